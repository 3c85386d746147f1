package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embersend/warmup-engine/internal/config"
	"github.com/embersend/warmup-engine/internal/content"
	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/distlock"
	"github.com/embersend/warmup-engine/internal/pkg/distlock/distlocktest"
)

// ---- fakes ----

type memStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	accounts  map[string]*domain.Account
	records   []*domain.EmailRecord
	commits   int
	paused    []string
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[string]*domain.Campaign{},
		accounts:  map[string]*domain.Account{},
	}
}

func (m *memStore) ActiveCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignActive || c.Status == domain.CampaignPending {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) CampaignByID(ctx context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (m *memStore) AccountsByID(ctx context.Context, ids []string) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Account
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateEmailRecord(ctx context.Context, e *domain.EmailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = fmt.Sprintf("rec-%d", len(m.records)+1)
	}
	m.records = append(m.records, e)
	return nil
}

func (m *memStore) CommitSendPass(ctx context.Context, c *domain.Campaign, sent []*domain.EmailRecord, accounts []*domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *memStore) UpdateCampaignProgress(ctx context.Context, c *domain.Campaign) error {
	return nil
}

func (m *memStore) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Status = status
	}
	m.paused = append(m.paused, id)
	return nil
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []*domain.OutboundMessage
	failTo map[string]bool
}

func (f *fakeMailer) SendMail(ctx context.Context, account *domain.Account, msg *domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[msg.From] {
		return errors.New("connection refused")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) senderCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, m := range f.sent {
		out[m.From]++
	}
	return out
}

type fakeGen struct{}

func (fakeGen) Generate(ctx context.Context, req content.Request) content.Content {
	return content.Content{Subject: "hi " + req.SenderName, Body: "warm regards", Provider: "fake", AIGenerated: true}
}

// ---- helpers ----

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Concurrency:      4,
		BounceCeiling:    0.05,
		MinSendGap:       30 * time.Minute,
		InterSendDelay:   0,
		BusinessHourFrom: 9,
		BusinessHourTo:   18,
	}
}

func newTestScheduler(st *memStore, mailer *fakeMailer) *Scheduler {
	s := New(st, mailer, fakeGen{}, distlocktest.Factory{}, testConfig(), time.UTC)
	s.SetSeed(1)
	return s
}

func sender(id string, ageDays int) *domain.Account {
	return &domain.Account{
		ID: id, Email: id + "@warm.example.com", Name: id,
		Role: domain.RoleSender, Status: domain.AccountActive,
		DomainAgeDays: ageDays,
	}
}

func receiver(id string) *domain.Account {
	return &domain.Account{
		ID: id, Email: id + "@peer.example.com", Name: id,
		Role: domain.RoleReceiver, Status: domain.AccountActive,
	}
}

func campaign(id string, senderIDs, receiverIDs []string) *domain.Campaign {
	return &domain.Campaign{
		ID: id, Name: id, Status: domain.CampaignPending,
		SenderIDs: senderIDs, ReceiverIDs: receiverIDs,
		DurationWeeks: 6, Language: "en",
	}
}

func at(hour, min int) time.Time {
	return time.Date(2026, 8, 31, hour, min, 0, 0, time.UTC)
}

// ---- daily target ----

func TestWeeklyBaseStrictlyIncreasesThenFlattens(t *testing.T) {
	for w := 1; w < 6; w++ {
		assert.Less(t, baseForWeek(w), baseForWeek(w+1), "week %d", w)
	}
	assert.Equal(t, baseForWeek(6), baseForWeek(7))
	assert.Equal(t, baseForWeek(6), baseForWeek(52))
}

func TestCalculateDailyTargetWeekOneDomainAgeCaps(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	c := &domain.Campaign{CurrentWeek: 1}

	// 10-day-old domain caps at 3, 200-day-old is uncapped at the week-1
	// base of 5, total 8.
	senders := []*domain.Account{sender("s1", 10), sender("s2", 200)}
	assert.Equal(t, 8, s.CalculateDailyTarget(c, senders))
	assert.Equal(t, 3, senders[0].CurrentDailyLimit)
	assert.Equal(t, 5, senders[1].CurrentDailyLimit)
}

func TestCalculateDailyTargetCapTable(t *testing.T) {
	cases := []struct {
		ageDays int
		week    int
		want    int
	}{
		{10, 1, 3},
		{45, 1, 5},
		{120, 1, 5}, // base 5 is below the 10 cap
		{365, 1, 5},
		{10, 2, 10}, // caps apply in week 1 only
		{10, 6, 50},
	}
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	for _, tc := range cases {
		c := &domain.Campaign{CurrentWeek: tc.week}
		got := s.CalculateDailyTarget(c, []*domain.Account{sender("s", tc.ageDays)})
		assert.Equal(t, tc.want, got, "age=%d week=%d", tc.ageDays, tc.week)
	}
}

// ---- distribution ----

func TestDistributeFloorCeilAndExactSum(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	senders := []*domain.Account{sender("a", 200), sender("b", 200), sender("c", 200)}

	assignments := s.distribute(senders, 14)
	require.Len(t, assignments, 14)

	counts := map[string]int{}
	for _, a := range assignments {
		counts[a.ID]++
	}
	// 14 over 3 senders: floor 4, two senders get 5.
	for id, n := range counts {
		assert.True(t, n == 4 || n == 5, "sender %s got %d", id, n)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 14, total)
}

func TestDistributeShufflesSendOrder(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	senders := []*domain.Account{sender("a", 200), sender("b", 200)}

	assignments := s.distribute(senders, 20)
	// A blocked (unshuffled) list would be aaaaaaaaaabbbbbbbbbb; look for
	// at least one alternation in the first half.
	alternates := false
	for i := 1; i < len(assignments); i++ {
		if assignments[i].ID != assignments[i-1].ID && i < 10 {
			alternates = true
		}
	}
	assert.True(t, alternates)
}

func TestDistributeRespectsDailyLimits(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	capped := sender("young", 10)
	capped.CurrentDailyLimit = 3
	open := sender("aged", 200)
	open.CurrentDailyLimit = 5

	assignments := s.distribute([]*domain.Account{capped, open}, 8)
	require.Len(t, assignments, 8)

	counts := map[string]int{}
	for _, a := range assignments {
		counts[a.ID]++
	}
	// The even split would give the young sender 4; its share over the cap
	// must land on the aged sender instead.
	assert.Equal(t, 3, counts["young"])
	assert.Equal(t, 5, counts["aged"])
}

func TestDistributeShortensWhenAllSendersCapped(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	a := sender("a", 10)
	a.CurrentDailyLimit = 2
	b := sender("b", 20)
	b.CurrentDailyLimit = 3

	assignments := s.distribute([]*domain.Account{a, b}, 10)
	assert.Len(t, assignments, 5)
}

// ---- send window scheduling ----

func TestLaterTodayStaysInsideBusinessHours(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	now := at(10, 0)
	for i := 0; i < 200; i++ {
		next := s.laterToday(now)
		assert.True(t, !next.Before(now.Add(30*time.Minute)), "gap violated: %s", next)
		assert.True(t, next.Hour() >= 9 && (next.Hour() < 18), "outside window: %s", next)
		assert.Equal(t, now.Day(), next.Day())
	}
}

func TestLaterTodayAt1750ClampsToTomorrow(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	now := at(17, 50)
	tomorrow := now.AddDate(0, 0, 1)
	for i := 0; i < 200; i++ {
		next := s.laterToday(now)
		assert.Equal(t, tomorrow.Day(), next.Day(), "must clamp to tomorrow")
		assert.True(t, next.Hour() >= 9 && next.Hour() < 18)
	}
}

func TestRandomTomorrowInsideWindow(t *testing.T) {
	s := newTestScheduler(newMemStore(), &fakeMailer{})
	now := at(13, 0)
	tomorrow := now.AddDate(0, 0, 1)
	for i := 0; i < 200; i++ {
		next := s.randomTomorrow(now)
		assert.Equal(t, tomorrow.Day(), next.Day())
		assert.True(t, next.Hour() >= 9 && next.Hour() < 18)
	}
}

// ---- full campaign pass ----

func TestProcessCampaignSendsWeekOneTargets(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 10)
	st.accounts["s2"] = sender("s2", 200)
	st.accounts["r1"] = receiver("r1")
	st.accounts["r2"] = receiver("r2")
	c := campaign("c1", []string{"s1", "s2"}, []string{"r1", "r2"})
	st.campaigns["c1"] = c

	mailer := &fakeMailer{}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 8, sent)
	assert.Equal(t, domain.CampaignActive, c.Status)
	assert.Equal(t, 8, c.EmailsSentToday)
	assert.Equal(t, 8, c.TargetEmailsToday)
	assert.Equal(t, 1, st.commits)

	counts := mailer.senderCounts()
	assert.Equal(t, 3, counts["s1@warm.example.com"])
	assert.Equal(t, 5, counts["s2@warm.example.com"])

	// Target met, so the next send must land tomorrow.
	require.NotNil(t, c.NextSendAt)
	assert.Equal(t, at(0, 0).AddDate(0, 0, 1).Day(), c.NextSendAt.Day())
}

func TestProcessCampaignSkipsPausedReceivers(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	paused := receiver("r2")
	paused.Status = domain.AccountPaused
	st.accounts["r2"] = paused
	c := campaign("c1", []string{"s1"}, []string{"r1", "r2"})
	st.campaigns["c1"] = c

	mailer := &fakeMailer{}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	for _, m := range mailer.sent {
		assert.Equal(t, "r1@peer.example.com", m.To, "paused receiver must not be a target")
	}
}

func TestProcessCampaignNotDueReturnsZero(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	c := campaign("c1", []string{"s1"}, []string{"r1"})
	c.Status = domain.CampaignActive
	started := at(9, 0)
	c.StartedAt = &started
	c.CurrentWeek = 1
	c.SendDate = "2026-08-31"
	c.TargetEmailsToday = 5
	next := at(16, 0)
	c.NextSendAt = &next
	st.campaigns["c1"] = c

	mailer := &fakeMailer{}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, mailer.sent)
}

func TestProcessCampaignFailedSendsRollForward(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	c := campaign("c1", []string{"s1"}, []string{"r1"})
	st.campaigns["c1"] = c

	mailer := &fakeMailer{failTo: map[string]bool{"s1@warm.example.com": true}}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, c.EmailsSentToday, "failed sends must not count toward the target")
	assert.Equal(t, 5, c.TargetEmailsToday)

	// Pending records exist for retry, none marked sent.
	for _, r := range st.records {
		assert.Equal(t, domain.EmailPending, r.Status)
	}

	// Day target unmet: next send is later today, not tomorrow.
	require.NotNil(t, c.NextSendAt)
	assert.Equal(t, at(0, 0).Day(), c.NextSendAt.Day())
}

func TestProcessCampaignBouncingSenderExcludedAndPaused(t *testing.T) {
	st := newMemStore()
	bad := sender("bad", 200)
	bad.TotalSent = 100
	bad.TotalBounced = 10 // 10% bounce rate, over the 5% ceiling
	st.accounts["bad"] = bad
	st.accounts["good"] = sender("good", 200)
	st.accounts["r1"] = receiver("r1")
	c := campaign("c1", []string{"bad", "good"}, []string{"r1"})
	st.campaigns["c1"] = c

	mailer := &fakeMailer{}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)

	counts := mailer.senderCounts()
	assert.Zero(t, counts["bad@warm.example.com"], "bouncing sender must be excluded from the batch")
	assert.Equal(t, sent, counts["good@warm.example.com"])
	assert.Contains(t, st.paused, "bad")
	assert.Equal(t, domain.AccountPaused, bad.Status)
}

func TestProcessCampaignValidationFailureFlipsStatus(t *testing.T) {
	st := newMemStore()
	c := campaign("c1", nil, []string{"r1"})
	st.campaigns["c1"] = c

	s := newTestScheduler(st, &fakeMailer{})
	_, err := s.ProcessCampaign(context.Background(), c)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CampaignFailed, c.Status)
}

func TestProcessCampaignCompletesAfterDuration(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	c := campaign("c1", []string{"s1"}, []string{"r1"})
	c.Status = domain.CampaignActive
	c.DurationWeeks = 2
	started := at(10, 0).AddDate(0, 0, -15) // 15 days in, week 3
	c.StartedAt = &started
	c.CurrentWeek = 2
	st.campaigns["c1"] = c

	s := newTestScheduler(st, &fakeMailer{})
	s.SetClock(func() time.Time { return at(10, 0) })

	sent, err := s.ProcessCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)
}

func TestProcessAllCampaignsIsolatesFailures(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	st.campaigns["ok"] = campaign("ok", []string{"s1"}, []string{"r1"})
	st.campaigns["broken"] = campaign("broken", nil, []string{"r1"})

	mailer := &fakeMailer{}
	s := newTestScheduler(st, mailer)
	s.SetClock(func() time.Time { return at(10, 0) })

	results, err := s.ProcessAllCampaigns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, results["ok"])
	assert.Zero(t, results["broken"])
}

func TestProcessAllCampaignsSkipsHeldLease(t *testing.T) {
	st := newMemStore()
	st.accounts["s1"] = sender("s1", 200)
	st.accounts["r1"] = receiver("r1")
	st.campaigns["c1"] = campaign("c1", []string{"s1"}, []string{"r1"})

	held := distlocktest.Factory{Held: map[string]bool{"campaign:c1": true}}
	s := New(st, &fakeMailer{}, fakeGen{}, held, testConfig(), time.UTC)
	s.SetSeed(1)
	s.SetClock(func() time.Time { return at(10, 0) })

	results, err := s.ProcessAllCampaigns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, results["c1"])
}

// compile-time check that the production lease factory satisfies the
// scheduler's interface
var _ LeaseFactory = (*distlock.Factory)(nil)
