// Package coord abstracts the external coordination service used for
// cross-process locks and counters. Two backends exist: a Redis-backed
// implementation for multi-node deployments and an in-memory one for
// single-node use and tests.
package coord

import (
	"context"
	"time"
)

// Coordinator exposes the three coordination primitives the capacity core
// relies on: a counting semaphore, atomic counters, and a TTL mutex.
type Coordinator interface {
	// TryAcquire attempts to take one slot of the counting semaphore at
	// key, bounded by limit. The slot expires after ttl so a crashed
	// holder cannot block the semaphore permanently.
	TryAcquire(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error)
	// Release returns one semaphore slot.
	Release(ctx context.Context, key string) error

	// IncrBy atomically adds delta to the counter at key and returns the
	// new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// DecrBy atomically subtracts delta from the counter at key and
	// returns the new value.
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)
	// GetCounter returns the counter value and whether the key exists.
	GetCounter(ctx context.Context, key string) (int64, bool, error)
	// SetCounter sets the counter to value with an optional ttl.
	SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) error
	// SetCounterNX sets the counter only when the key does not exist yet,
	// reporting whether this call created it. Used to seed counters without
	// clobbering concurrent updates from another replica.
	SetCounterNX(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)

	// AcquireMutex attempts to take the TTL mutex at key. On success it
	// returns the fencing token required to release it.
	AcquireMutex(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseMutex releases the mutex if token still owns it.
	ReleaseMutex(ctx context.Context, key string, token string) error
}
