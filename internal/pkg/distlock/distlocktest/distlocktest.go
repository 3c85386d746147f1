// Package distlocktest provides in-memory lease fakes for engine tests.
package distlocktest

import (
	"context"

	"github.com/embersend/warmup-engine/internal/pkg/distlock"
)

// Factory hands out leases that always acquire, except for keys marked
// held, which simulate another worker holding the lease.
type Factory struct {
	Held map[string]bool
}

func (f Factory) For(key string) distlock.Lease {
	return lease{held: f.Held[key]}
}

type lease struct{ held bool }

func (l lease) Acquire(ctx context.Context) (bool, error) { return !l.held, nil }
func (l lease) Release(ctx context.Context) error         { return nil }
