package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryCoordinator implements Coordinator in process memory. Suitable for
// single-node deployments and tests; expiry is enforced lazily on access.
type memoryCoordinator struct {
	mu       sync.Mutex
	counters map[string]*memoryEntry
	mutexes  map[string]*memoryMutex
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

type memoryMutex struct {
	token     string
	expiresAt time.Time
}

// NewMemory creates an in-memory coordinator.
func NewMemory() Coordinator {
	return &memoryCoordinator{
		counters: make(map[string]*memoryEntry),
		mutexes:  make(map[string]*memoryMutex),
	}
}

func (c *memoryCoordinator) entry(key string) *memoryEntry {
	e, ok := c.counters[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.counters, key)
		ok = false
	}
	if !ok {
		e = &memoryEntry{}
		c.counters[key] = e
	}
	return e
}

func (c *memoryCoordinator) TryAcquire(_ context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	if e.value >= limit {
		return false, nil
	}
	e.value++
	// The expiry window opens at the first acquire and is never extended,
	// matching the Redis backend's EXPIRE NX.
	if ttl > 0 && e.expiresAt.IsZero() {
		e.expiresAt = time.Now().Add(ttl)
	}
	return true, nil
}

func (c *memoryCoordinator) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	if e.value > 0 {
		e.value--
	}
	return nil
}

func (c *memoryCoordinator) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	e.value += delta
	return e.value, nil
}

func (c *memoryCoordinator) DecrBy(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(key)
	e.value -= delta
	return e.value, nil
}

func (c *memoryCoordinator) GetCounter(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.counters[key]
	if !ok {
		return 0, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.counters, key)
		return 0, false, nil
	}
	return e.value, true, nil
}

func (c *memoryCoordinator) SetCounter(_ context.Context, key string, value int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.counters[key] = e
	return nil
}

func (c *memoryCoordinator) SetCounterNX(_ context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.counters[key]; ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		return false, nil
	}
	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.counters[key] = e
	return true, nil
}

func (c *memoryCoordinator) AcquireMutex(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mutexes[key]
	if ok && time.Now().Before(m.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	c.mutexes[key] = &memoryMutex{token: token, expiresAt: time.Now().Add(ttl)}
	return token, true, nil
}

func (c *memoryCoordinator) ReleaseMutex(_ context.Context, key string, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mutexes[key]
	if ok && m.token == token {
		delete(c.mutexes, key)
	}
	return nil
}

// Compile-time check
var _ Coordinator = (*memoryCoordinator)(nil)
