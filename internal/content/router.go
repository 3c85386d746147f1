package content

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/embersend/warmup-engine/internal/ratelimit"
)

const (
	// providerTimeout bounds a single generation attempt.
	providerTimeout = 30 * time.Second
	// attemptsPerProvider is the initial try plus one retry.
	attemptsPerProvider = 2
)

// Router tries providers in priority order, consulting the rate tracker
// before each, and falls back to the local template generator when the
// chain is exhausted. Safe for concurrent use.
type Router struct {
	providers []chainEntry
	tracker   *ratelimit.Tracker
	fallback  *TemplateProvider
	timeout   time.Duration
}

type chainEntry struct {
	provider Provider
	priority int
}

// NewRouter builds a router over the given providers. Priorities come from
// configuration; lower runs first. The tracker gates each provider and the
// fallback is constructed internally so it can never be absent.
func NewRouter(tracker *ratelimit.Tracker, fallback *TemplateProvider) *Router {
	if fallback == nil {
		fallback = NewTemplateProvider()
	}
	return &Router{
		tracker:  tracker,
		fallback: fallback,
		timeout:  providerTimeout,
	}
}

// Register adds a provider to the chain at the given priority.
func (r *Router) Register(p Provider, priority int) {
	r.providers = append(r.providers, chainEntry{provider: p, priority: priority})
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].priority < r.providers[j].priority
	})
}

// SetTimeout overrides the per-attempt timeout (tests only).
func (r *Router) SetTimeout(d time.Duration) { r.timeout = d }

// Generate walks the provider chain and always returns usable content.
// Rate-limited providers are skipped without consuming an attempt; failed
// attempts are recorded and the chain moves on. The template fallback is
// the terminal step and cannot fail.
func (r *Router) Generate(ctx context.Context, req Request) Content {
	for _, entry := range r.providers {
		p := entry.provider
		if !r.tracker.CanProceed(p.Name()) {
			log.Printf("[ContentRouter] Provider %s rate-limited, skipping", p.Name())
			continue
		}

		for attempt := 1; attempt <= attemptsPerProvider; attempt++ {
			c, err := r.tryOnce(ctx, p, req)
			if err == nil {
				r.tracker.RecordAttempt(p.Name(), true)
				c.Provider = p.Name()
				c.AIGenerated = true
				return c
			}
			r.tracker.RecordAttempt(p.Name(), false)
			log.Printf("[ContentRouter] Provider %s attempt %d/%d failed: %v",
				p.Name(), attempt, attemptsPerProvider, err)

			// The retry consumes quota too; re-check before spending it.
			if attempt < attemptsPerProvider && !r.tracker.CanProceed(p.Name()) {
				break
			}
		}
	}

	// Terminal guarantee: local templates, no network, cannot fail.
	c, _ := r.fallback.Generate(ctx, req)
	c.Provider = r.fallback.Name()
	c.AIGenerated = false
	return c
}

func (r *Router) tryOnce(ctx context.Context, p Provider, req Request) (Content, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return p.Generate(attemptCtx, req)
}
