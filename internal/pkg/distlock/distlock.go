// Package distlock provides per-entity processing leases.
//
// The scheduler, response engine, and bounce monitor must never run two
// concurrent passes over the same campaign or account; a lease acquired at
// the start of a pass and released at the end enforces that. Leases carry
// a TTL so a crashed worker cannot lock an entity out permanently.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is the interface for a single-entity processing lease.
// A Lease instance belongs to one goroutine; concurrent passes use
// separate instances for the same key and race on Acquire.
type Lease interface {
	// Acquire tries to take the lease. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lease if we still own it.
	Release(ctx context.Context) error
}

// Factory creates leases against a fixed backend. If the Redis client is
// non-nil it is preferred (cross-host safety, TTL expiry); otherwise leases
// fall back to PostgreSQL advisory locks, which are session-scoped and
// release automatically when the holding connection drops.
type Factory struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
}

// NewFactory creates a lease factory. ttl applies to the Redis backend only.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Factory {
	return &Factory{redis: redisClient, db: db, ttl: ttl}
}

// For returns a lease for the given entity key ("campaign:<id>", "account:<id>").
func (f *Factory) For(key string) Lease {
	if f.redis != nil {
		return NewRedisLease(f.redis, key, f.ttl)
	}
	return NewPGAdvisoryLease(f.db, key)
}

// PGAdvisoryLease implements Lease using PostgreSQL advisory locks.
type PGAdvisoryLease struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLease creates a PG advisory lease with a deterministic lock
// ID derived from the given key string.
func NewPGAdvisoryLease(db *sql.DB, key string) *PGAdvisoryLease {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLease{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to take the advisory lock. Non-blocking.
func (l *PGAdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
