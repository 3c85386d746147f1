// Package scheduler drives warmup campaigns: daily volume targets,
// send-time randomization, even distribution across senders, and the
// bounce circuit breaker.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embersend/warmup-engine/internal/config"
	"github.com/embersend/warmup-engine/internal/content"
	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/distlock"
	"github.com/embersend/warmup-engine/internal/transport"
)

// weeklyBase is the per-sender daily target by warmup week. Week 6 and
// beyond stay flat at the last entry.
var weeklyBase = []int{5, 10, 15, 25, 35, 50}

// Store is the persistence surface the scheduler needs.
type Store interface {
	ActiveCampaigns(ctx context.Context) ([]*domain.Campaign, error)
	CampaignByID(ctx context.Context, id string) (*domain.Campaign, error)
	AccountsByID(ctx context.Context, ids []string) ([]*domain.Account, error)
	CreateEmailRecord(ctx context.Context, e *domain.EmailRecord) error
	CommitSendPass(ctx context.Context, c *domain.Campaign, sent []*domain.EmailRecord, accounts []*domain.Account) error
	UpdateCampaignProgress(ctx context.Context, c *domain.Campaign) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error
}

// Generator produces email content. Satisfied by *content.Router.
type Generator interface {
	Generate(ctx context.Context, req content.Request) content.Content
}

// LeaseFactory hands out per-entity leases. Satisfied by *distlock.Factory.
type LeaseFactory interface {
	For(key string) distlock.Lease
}

// Scheduler processes warmup campaigns. One instance is shared by the
// ticker loop and the ops API; all state lives in the store, so methods
// are safe to call concurrently (the per-campaign lease serializes work
// on any single campaign).
type Scheduler struct {
	store  Store
	mailer transport.Mailer
	gen    Generator
	leases LeaseFactory
	cfg    config.SchedulerConfig
	loc    *time.Location

	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store Store, mailer transport.Mailer, gen Generator, leases LeaseFactory, cfg config.SchedulerConfig, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:  store,
		mailer: mailer,
		gen:    gen,
		leases: leases,
		cfg:    cfg,
		loc:    loc,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source (tests only).
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// SetSeed makes send-time and distribution randomness deterministic
// (tests only).
func (s *Scheduler) SetSeed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// ProcessAllCampaigns runs one scheduling pass over every active campaign
// and returns a map of campaign ID to emails sent. Campaigns are processed
// concurrently up to the configured limit; one campaign's failure never
// aborts the others.
func (s *Scheduler) ProcessAllCampaigns(ctx context.Context) (map[string]int, error) {
	campaigns, err := s.store.ActiveCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}

	concurrency := s.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make(map[string]int, len(campaigns))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, c := range campaigns {
		wg.Add(1)
		sem <- struct{}{}
		go func(c *domain.Campaign) {
			defer wg.Done()
			defer func() { <-sem }()

			sent, err := s.processLeased(ctx, c)
			if err != nil {
				log.Printf("[Scheduler] Campaign %s failed: %v", c.ID, err)
			}
			resultsMu.Lock()
			results[c.ID] = sent
			resultsMu.Unlock()
		}(c)
	}
	wg.Wait()

	return results, nil
}

// ProcessCampaignByID runs a single campaign pass, used by the manual
// trigger endpoint.
func (s *Scheduler) ProcessCampaignByID(ctx context.Context, id string) (int, error) {
	c, err := s.store.CampaignByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.IsTerminal() {
		return 0, fmt.Errorf("campaign %s is %s", id, c.Status)
	}
	return s.processLeased(ctx, c)
}

// processLeased wraps ProcessCampaign with the per-campaign lease and the
// pass watchdog budget. A pass that exceeds the budget is abandoned;
// already-committed progress stands.
func (s *Scheduler) processLeased(ctx context.Context, c *domain.Campaign) (int, error) {
	lease := s.leases.For("campaign:" + c.ID)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		log.Printf("[Scheduler] Campaign %s already in flight, skipping", c.ID)
		return 0, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	passCtx := ctx
	if s.cfg.PassBudget > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, s.cfg.PassBudget)
		defer cancel()
	}
	return s.ProcessCampaign(passCtx, c)
}

// ProcessCampaign advances one campaign: day/week rollover, completion,
// due-time gating, and the actual send batch. Returns emails sent.
func (s *Scheduler) ProcessCampaign(ctx context.Context, c *domain.Campaign) (int, error) {
	if err := s.validate(c); err != nil {
		c.Status = domain.CampaignFailed
		now := s.now()
		c.CompletedAt = &now
		if uerr := s.store.UpdateCampaignProgress(ctx, c); uerr != nil {
			log.Printf("[Scheduler] Campaign %s: persist failed status: %v", c.ID, uerr)
		}
		return 0, err
	}

	accounts, err := s.store.AccountsByID(ctx, append(append([]string{}, c.SenderIDs...), c.ReceiverIDs...))
	if err != nil {
		return 0, fmt.Errorf("load campaign accounts: %w", err)
	}
	senders, receivers := splitByRole(c, accounts)
	if len(senders) == 0 || len(receivers) == 0 {
		verr := &ValidationError{CampaignID: c.ID, Reason: "sender or receiver accounts missing"}
		c.Status = domain.CampaignFailed
		now := s.now()
		c.CompletedAt = &now
		if uerr := s.store.UpdateCampaignProgress(ctx, c); uerr != nil {
			log.Printf("[Scheduler] Campaign %s: persist failed status: %v", c.ID, uerr)
		}
		return 0, verr
	}

	now := s.now().In(s.loc)

	if c.Status == domain.CampaignPending {
		c.Status = domain.CampaignActive
		started := now
		c.StartedAt = &started
		c.CurrentWeek = 1
		for _, snd := range senders {
			if snd.WarmupStartedAt == nil {
				t := now
				snd.WarmupStartedAt = &t
			}
		}
		log.Printf("[Scheduler] Campaign %s activated with %d senders, %d receivers",
			c.ID, len(senders), len(receivers))
	}

	if week := c.WeekAt(now); week != c.CurrentWeek {
		c.CurrentWeek = week
		c.TargetEmailsToday = s.CalculateDailyTarget(c, senders)
		log.Printf("[Scheduler] Campaign %s advanced to week %d, target %d/day",
			c.ID, c.CurrentWeek, c.TargetEmailsToday)
	}

	if c.CurrentWeek > c.DurationWeeks {
		c.Status = domain.CampaignCompleted
		done := now
		c.CompletedAt = &done
		if err := s.store.UpdateCampaignProgress(ctx, c); err != nil {
			return 0, fmt.Errorf("complete campaign: %w", err)
		}
		log.Printf("[Scheduler] Campaign %s completed after %d weeks, %d emails total",
			c.ID, c.DurationWeeks, c.TotalEmailsSent)
		return 0, nil
	}

	if today := now.Format("2006-01-02"); c.SendDate != today {
		c.SendDate = today
		c.EmailsSentToday = 0
		c.TargetEmailsToday = s.CalculateDailyTarget(c, senders)
	}

	if c.NextSendAt != nil && now.Before(*c.NextSendAt) {
		if err := s.store.UpdateCampaignProgress(ctx, c); err != nil {
			return 0, fmt.Errorf("persist rollover: %w", err)
		}
		return 0, nil
	}

	if c.EmailsSentToday >= c.TargetEmailsToday {
		next := s.randomTomorrow(now)
		c.NextSendAt = &next
		if err := s.store.UpdateCampaignProgress(ctx, c); err != nil {
			return 0, fmt.Errorf("persist next send: %w", err)
		}
		return 0, nil
	}

	remaining := c.TargetEmailsToday - c.EmailsSentToday
	sent, records, touched := s.sendWarmupEmails(ctx, c, senders, receivers, remaining)

	if c.EmailsSentToday >= c.TargetEmailsToday {
		next := s.randomTomorrow(now)
		c.NextSendAt = &next
	} else {
		next := s.laterToday(now)
		c.NextSendAt = &next
	}

	if err := s.store.CommitSendPass(ctx, c, records, touched); err != nil {
		return sent, fmt.Errorf("commit send pass: %w", err)
	}
	log.Printf("[Scheduler] Campaign %s: sent %d/%d today, next send %s",
		c.ID, c.EmailsSentToday, c.TargetEmailsToday, c.NextSendAt.Format(time.RFC3339))
	return sent, nil
}

func (s *Scheduler) validate(c *domain.Campaign) error {
	switch {
	case len(c.SenderIDs) == 0:
		return &ValidationError{CampaignID: c.ID, Reason: "no sender accounts"}
	case len(c.ReceiverIDs) == 0:
		return &ValidationError{CampaignID: c.ID, Reason: "no receiver accounts"}
	case c.DurationWeeks <= 0:
		return &ValidationError{CampaignID: c.ID, Reason: "duration must be at least one week"}
	}
	return nil
}

// CalculateDailyTarget sums the per-sender daily base for the campaign's
// current week. In week 1 each sender's base is additionally capped by its
// domain age: reputation systems distrust young domains, so they ramp from
// a lower floor.
func (s *Scheduler) CalculateDailyTarget(c *domain.Campaign, senders []*domain.Account) int {
	total := 0
	for _, snd := range senders {
		base := baseForWeek(c.CurrentWeek)
		if c.CurrentWeek <= 1 {
			base = capByDomainAge(base, snd.DomainAgeDays)
		}
		snd.CurrentDailyLimit = base
		total += base
	}
	return total
}

func baseForWeek(week int) int {
	if week < 1 {
		week = 1
	}
	if week > len(weeklyBase) {
		week = len(weeklyBase)
	}
	return weeklyBase[week-1]
}

func capByDomainAge(base, ageDays int) int {
	var limit int
	switch {
	case ageDays < 30:
		limit = 3
	case ageDays < 90:
		limit = 5
	case ageDays < 180:
		limit = 10
	default:
		return base
	}
	if base < limit {
		return base
	}
	return limit
}

// sendWarmupEmails sends up to count emails across the campaign's healthy
// senders. It mutates the campaign and account counters in memory; the
// caller commits everything atomically. Returns the emails sent, the
// records that went out, and every account whose counters changed.
func (s *Scheduler) sendWarmupEmails(ctx context.Context, c *domain.Campaign, senders, receivers []*domain.Account, count int) (int, []*domain.EmailRecord, []*domain.Account) {
	healthy := make([]*domain.Account, 0, len(senders))
	for _, snd := range senders {
		if snd.TotalSent > 0 && snd.BounceRate() > s.cfg.BounceCeiling {
			log.Printf("[Scheduler] Sender %s bounce rate %.1f%% over ceiling %.1f%%, pausing",
				snd.ID, snd.BounceRate()*100, s.cfg.BounceCeiling*100)
			if err := s.store.SetAccountStatus(ctx, snd.ID, domain.AccountPaused); err != nil {
				log.Printf("[Scheduler] Pause sender %s: %v", snd.ID, err)
			}
			continue
		}
		if snd.Status != domain.AccountActive {
			continue
		}
		healthy = append(healthy, snd)
	}
	if len(healthy) == 0 {
		log.Printf("[Scheduler] Campaign %s has no healthy senders this pass", c.ID)
		return 0, nil, nil
	}

	targets := make([]*domain.Account, 0, len(receivers))
	for _, rcv := range receivers {
		if rcv.Status == domain.AccountActive {
			targets = append(targets, rcv)
		}
	}
	if len(targets) == 0 {
		log.Printf("[Scheduler] Campaign %s has no active receivers this pass", c.ID)
		return 0, nil, nil
	}

	assignments := s.distribute(healthy, count)

	touched := make(map[string]*domain.Account)
	var records []*domain.EmailRecord
	sent := 0

	for i, snd := range assignments {
		if ctx.Err() != nil {
			log.Printf("[Scheduler] Campaign %s pass budget exhausted after %d sends", c.ID, sent)
			break
		}
		if i > 0 && s.cfg.InterSendDelay > 0 {
			if !sleepCtx(ctx, s.cfg.InterSendDelay) {
				break
			}
		}

		rcv := targets[s.intn(len(targets))]
		gc := s.gen.Generate(ctx, content.Request{
			SenderName: snd.Name,
			Language:   c.Language,
		})

		rec := &domain.EmailRecord{
			CampaignID:    c.ID,
			SenderID:      snd.ID,
			ReceiverID:    rcv.ID,
			Subject:       gc.Subject,
			Body:          gc.Body,
			Status:        domain.EmailPending,
			IsAIGenerated: gc.AIGenerated,
			ProviderUsed:  gc.Provider,
		}
		if err := s.store.CreateEmailRecord(ctx, rec); err != nil {
			log.Printf("[Scheduler] Campaign %s: create record: %v", c.ID, err)
			continue
		}

		msgID := fmt.Sprintf("%s@%s", uuid.New().String(), snd.Domain())
		out := &domain.OutboundMessage{
			MessageID:  msgID,
			From:       snd.Email,
			FromName:   snd.Name,
			To:         rcv.Email,
			Subject:    gc.Subject,
			Body:       gc.Body,
			TrackingID: rec.ID,
		}
		if err := s.mailer.SendMail(ctx, snd, out); err != nil {
			// Record stays pending and rolls into the next tick's
			// remaining count for today.
			log.Printf("[Scheduler] Campaign %s: send via %s failed: %v", c.ID, snd.ID, err)
			continue
		}

		at := s.now()
		rec.MessageID = msgID
		rec.Status = domain.EmailSent
		rec.SentAt = &at
		records = append(records, rec)

		snd.TotalSent++
		rcv.TotalReceived++
		touched[snd.ID] = snd
		touched[rcv.ID] = rcv

		c.EmailsSentToday++
		c.TotalEmailsSent++
		sent++
	}

	accounts := make([]*domain.Account, 0, len(touched))
	for _, a := range touched {
		accounts = append(accounts, a)
	}
	return sent, records, accounts
}

// distribute assigns count emails across senders: everyone gets the floor,
// the first count%n senders get one extra, and any share over a sender's
// CurrentDailyLimit is redistributed among the still-open senders. The
// flattened assignment list is shuffled so send order does not follow
// sender order. A zero CurrentDailyLimit means uncapped.
func (s *Scheduler) distribute(senders []*domain.Account, count int) []*domain.Account {
	n := len(senders)
	per := make([]int, n)
	capped := make([]bool, n)
	remaining := count

	for remaining > 0 {
		open := 0
		for i := range senders {
			if !capped[i] {
				open++
			}
		}
		if open == 0 {
			break
		}

		base := remaining / open
		extra := remaining % open
		j := 0
		for i, snd := range senders {
			if capped[i] {
				continue
			}
			share := base
			if j < extra {
				share++
			}
			j++
			if limit := snd.CurrentDailyLimit; limit > 0 && per[i]+share >= limit {
				if per[i]+share > limit {
					share = limit - per[i]
				}
				capped[i] = true
			}
			per[i] += share
			remaining -= share
		}
	}

	out := make([]*domain.Account, 0, count)
	for i, snd := range senders {
		for j := 0; j < per[i]; j++ {
			out = append(out, snd)
		}
	}

	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()
	return out
}

// laterToday returns a uniform-random instant at least MinSendGap from now
// and inside today's business window, or clamps to tomorrow's window when
// no such instant exists.
func (s *Scheduler) laterToday(now time.Time) time.Time {
	earliest := now.Add(s.cfg.MinSendGap)
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.BusinessHourFrom, 0, 0, 0, s.loc)
	windowEnd := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.BusinessHourTo, 0, 0, 0, s.loc)

	if earliest.Before(windowStart) {
		earliest = windowStart
	}
	if !earliest.Before(windowEnd) {
		return s.randomTomorrow(now)
	}
	return s.randomBetween(earliest, windowEnd)
}

// randomTomorrow returns a uniform-random instant inside tomorrow's
// business window.
func (s *Scheduler) randomTomorrow(now time.Time) time.Time {
	d := now.AddDate(0, 0, 1)
	start := time.Date(d.Year(), d.Month(), d.Day(), s.cfg.BusinessHourFrom, 0, 0, 0, s.loc)
	end := time.Date(d.Year(), d.Month(), d.Day(), s.cfg.BusinessHourTo, 0, 0, 0, s.loc)
	return s.randomBetween(start, end)
}

func (s *Scheduler) randomBetween(from, to time.Time) time.Time {
	span := to.Sub(from)
	s.mu.Lock()
	off := time.Duration(s.rng.Int63n(int64(span)))
	s.mu.Unlock()
	return from.Add(off)
}

func (s *Scheduler) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func splitByRole(c *domain.Campaign, accounts []*domain.Account) (senders, receivers []*domain.Account) {
	senderIDs := make(map[string]bool, len(c.SenderIDs))
	for _, id := range c.SenderIDs {
		senderIDs[id] = true
	}
	for _, a := range accounts {
		switch {
		case senderIDs[a.ID] && a.Role == domain.RoleSender:
			senders = append(senders, a)
		case a.Role == domain.RoleReceiver:
			receivers = append(receivers, a)
		}
	}
	return senders, receivers
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
