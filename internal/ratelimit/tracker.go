// Package ratelimit tracks per-provider request consumption in sliding
// windows so the content router can skip providers that are at quota
// instead of burning doomed requests against them.
package ratelimit

import (
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Limits holds the configured ceilings for one provider.
// A ceiling of 0 or below means unlimited for that window.
type Limits struct {
	RPM int // requests per minute
	RPD int // requests per day
}

// Usage is a point-in-time snapshot of one provider's window consumption.
type Usage struct {
	Provider      string `json:"provider"`
	MinuteCurrent int    `json:"minute_current"`
	MinuteLimit   int    `json:"minute_limit"`
	DayCurrent    int    `json:"day_current"`
	DayLimit      int    `json:"day_limit"`
}

type attempt struct {
	at      time.Time
	success bool
}

type window struct {
	limits   Limits
	attempts []attempt // ordered by time, pruned lazily
}

// Tracker maintains sliding request windows per provider. Both the
// scheduler and the response engine draw from the same provider pool
// concurrently, so all access is serialized under one mutex.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Configure registers ceilings for a provider. Reconfiguring keeps the
// recorded attempts and applies the new ceilings to them.
func (t *Tracker) Configure(provider string, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.windows[provider]
	if w == nil {
		w = &window{}
		t.windows[provider] = w
	}
	w.limits = limits
}

// CanProceed reports whether both the minute and day windows for the
// provider are under their ceilings. Unconfigured providers are unlimited.
func (t *Tracker) CanProceed(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[provider]
	if w == nil {
		return true
	}
	now := t.now()
	w.prune(now)

	if w.limits.RPM > 0 && w.countSince(now.Add(-minuteWindow)) >= w.limits.RPM {
		return false
	}
	if w.limits.RPD > 0 && len(w.attempts) >= w.limits.RPD {
		return false
	}
	return true
}

// RecordAttempt appends a timestamped entry for the provider. Successes
// and failures both count: both consume provider quota.
func (t *Tracker) RecordAttempt(provider string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[provider]
	if w == nil {
		w = &window{}
		t.windows[provider] = w
	}
	w.attempts = append(w.attempts, attempt{at: t.now(), success: success})
}

// ForecastSaturation estimates how long until the provider's daily window
// fills, linearly extrapolating from consumption over the last hour.
// The second return is false when no saturation is in sight (no daily
// ceiling, already saturated is 0/true, or zero recent consumption).
func (t *Tracker) ForecastSaturation(provider string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[provider]
	if w == nil || w.limits.RPD <= 0 {
		return 0, false
	}
	now := t.now()
	w.prune(now)

	remaining := w.limits.RPD - len(w.attempts)
	if remaining <= 0 {
		return 0, true
	}
	lastHour := w.countSince(now.Add(-time.Hour))
	if lastHour == 0 {
		return 0, false
	}
	perSecond := float64(lastHour) / time.Hour.Seconds()
	return time.Duration(float64(remaining)/perSecond) * time.Second, true
}

// Snapshot returns usage for every known provider, for operational tooling.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Usage, 0, len(t.windows))
	for name, w := range t.windows {
		w.prune(now)
		out = append(out, Usage{
			Provider:      name,
			MinuteCurrent: w.countSince(now.Add(-minuteWindow)),
			MinuteLimit:   w.limits.RPM,
			DayCurrent:    len(w.attempts),
			DayLimit:      w.limits.RPD,
		})
	}
	return out
}

// prune drops attempts older than the day window. Caller holds the mutex.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-dayWindow)
	i := 0
	for i < len(w.attempts) && !w.attempts[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.attempts = w.attempts[i:]
	}
}

func (w *window) countSince(cutoff time.Time) int {
	// Attempts are time-ordered; scan from the tail.
	n := 0
	for i := len(w.attempts) - 1; i >= 0; i-- {
		if !w.attempts[i].at.After(cutoff) {
			break
		}
		n++
	}
	return n
}
