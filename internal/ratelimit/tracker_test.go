package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(limits Limits) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	tr := NewTracker()
	tr.SetClock(clock.now)
	tr.Configure("claude", limits)
	return tr, clock
}

func TestCanProceedRPMCeiling(t *testing.T) {
	tr, clock := newTestTracker(Limits{RPM: 3, RPD: 1000})

	for i := 0; i < 3; i++ {
		assert.True(t, tr.CanProceed("claude"))
		tr.RecordAttempt("claude", true)
		clock.advance(time.Second)
	}

	// Ceiling reached inside the 60s window.
	assert.False(t, tr.CanProceed("claude"))

	// Once the oldest entry ages out of the window, capacity returns.
	clock.advance(58 * time.Second)
	assert.True(t, tr.CanProceed("claude"))
}

func TestFailuresConsumeQuota(t *testing.T) {
	tr, _ := newTestTracker(Limits{RPM: 2, RPD: 100})

	tr.RecordAttempt("claude", false)
	tr.RecordAttempt("claude", false)

	assert.False(t, tr.CanProceed("claude"))
}

func TestCanProceedRPDCeiling(t *testing.T) {
	tr, clock := newTestTracker(Limits{RPM: 1000, RPD: 5})

	for i := 0; i < 5; i++ {
		tr.RecordAttempt("claude", true)
		clock.advance(time.Minute)
	}
	assert.False(t, tr.CanProceed("claude"))

	// RPM window is clear but the daily window still blocks.
	clock.advance(2 * time.Hour)
	assert.False(t, tr.CanProceed("claude"))

	// After 24h the oldest entries fall out.
	clock.advance(23 * time.Hour)
	assert.True(t, tr.CanProceed("claude"))
}

func TestUnconfiguredProviderIsUnlimited(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.CanProceed("mystery"))
	tr.RecordAttempt("mystery", true)
	assert.True(t, tr.CanProceed("mystery"))
}

func TestForecastSaturation(t *testing.T) {
	tr, clock := newTestTracker(Limits{RPM: 1000, RPD: 120})

	// 60 requests over the last hour → 1/min. 60 remaining → ~1 hour out.
	for i := 0; i < 60; i++ {
		tr.RecordAttempt("claude", true)
		clock.advance(time.Minute)
	}

	eta, ok := tr.ForecastSaturation("claude")
	require.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), eta.Seconds(), 120)
}

func TestForecastSaturationIdle(t *testing.T) {
	tr, clock := newTestTracker(Limits{RPM: 10, RPD: 100})

	tr.RecordAttempt("claude", true)
	clock.advance(2 * time.Hour) // nothing in the last hour

	_, ok := tr.ForecastSaturation("claude")
	assert.False(t, ok)
}

func TestForecastSaturationAlreadyFull(t *testing.T) {
	tr, _ := newTestTracker(Limits{RPM: 100, RPD: 2})
	tr.RecordAttempt("claude", true)
	tr.RecordAttempt("claude", false)

	eta, ok := tr.ForecastSaturation("claude")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), eta)
}

func TestSnapshot(t *testing.T) {
	tr, _ := newTestTracker(Limits{RPM: 10, RPD: 100})
	tr.RecordAttempt("claude", true)
	tr.RecordAttempt("claude", false)

	snaps := tr.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "claude", snaps[0].Provider)
	assert.Equal(t, 2, snaps[0].MinuteCurrent)
	assert.Equal(t, 2, snaps[0].DayCurrent)
	assert.Equal(t, 10, snaps[0].MinuteLimit)
}
