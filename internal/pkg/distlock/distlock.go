// Package distlock guards a checkpoint lineage with a single-writer lease.
// Redis (SET NX with TTL) is preferred when configured; a PostgreSQL
// advisory lock held on a dedicated session is the fallback, so the
// pipeline still refuses double-starts when Redis isn't deployed.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld means another process owns the lease. Starting anyway would
	// put two writers on one checkpoint lineage.
	ErrHeld = errors.New("lease already held")

	// ErrLost means a held lease could not be confirmed. The holder must
	// stop ingesting; its next checkpoint write is no longer safe.
	ErrLost = errors.New("lease lost")
)

// Lease is the exclusivity guard for a checkpoint/output pair.
// Implementations must be safe for use from a single goroutine; concurrent
// holders require separate Lease instances.
type Lease interface {
	// Acquire tries to take the lease. Returns false when another
	// process holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if still owned.
	Release(ctx context.Context) error
}

// extender is implemented by backends whose leases expire and support
// renewal (Redis TTL).
type extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// confirmer is implemented by backends whose leases live as long as a
// session (PG advisory locks) and can only be health-checked.
type confirmer interface {
	Confirm(ctx context.Context) error
}

// New creates a lease using the best available backend. If redisClient is
// non-nil, uses Redis (preferred for cross-host exclusion). Otherwise falls
// back to a PostgreSQL advisory lock.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lease {
	if redisClient != nil {
		return NewRedisLease(redisClient, key, ttl)
	}
	return NewPGAdvisoryLease(db, key)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lease pins one connection
// out of the pool for its whole lifetime. If that session dies, Postgres
// releases the lock on its own, which gives crash-safety similar to a Redis
// TTL expiring.

// PGAdvisoryLease implements Lease using PostgreSQL advisory locks.
type PGAdvisoryLease struct {
	db     *sql.DB
	conn   *sql.Conn
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

// Acquire pins a pool connection and takes the advisory lock on it.
// Non-blocking; returns false immediately when the lock is taken elsewhere.
func (l *PGAdvisoryLease) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("pin lease connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Confirm checks that the session holding the lock is still alive. A dead
// session means Postgres already handed the lock to the next contender.
func (l *PGAdvisoryLease) Confirm(ctx context.Context) error {
	if l.conn == nil {
		return ErrLost
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLost, err)
	}
	return nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
