package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seatpool/server/internal/module/coord"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUsesExhausted is returned when a key has no remaining uses.
var ErrUsesExhausted = errors.New("remaining uses exhausted")

const bucketKeyPrefix = "throttle:bucket:"

// Store is the durable side of the token bucket: the source of truth the
// cached counters are rebuilt from after a cache loss, and the target of
// asynchronous usage write-back.
type Store interface {
	// RemainingUses returns the durable remaining-use count for key.
	RemainingUses(ctx context.Context, key string) (int64, error)
	// RecordUsage applies a consumed-use delta durably. Negative deltas
	// are refunds.
	RecordUsage(ctx context.Context, key string, delta int64) error
}

// BucketConfig holds token bucket configuration.
type BucketConfig struct {
	WriteBackInterval time.Duration
	CounterTTL        time.Duration
	// ShedRate and ShedBurst bound the local pre-check used purely to
	// shed load; they never gate actual consumption.
	ShedRate  float64
	ShedBurst int
}

// TokenBucket enforces a per-key remaining-uses counter with one atomic
// decrement per consumption, keeping row-level contention off the durable
// store. Consumption fails closed: if the counter cannot be decremented,
// the use is denied. The pure rate check fails open: it exists only to
// shed load, not to meter it.
type TokenBucket struct {
	coord  coord.Coordinator
	store  Store
	cfg    BucketConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]int64 // consumed deltas awaiting durable write-back
	loaded  map[string]bool
	shed    map[string]*rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTokenBucket creates a new token bucket.
func NewTokenBucket(c coord.Coordinator, store Store, cfg BucketConfig, logger *zap.Logger) *TokenBucket {
	if cfg.WriteBackInterval <= 0 {
		cfg.WriteBackInterval = 10 * time.Second
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 24 * time.Hour
	}
	if cfg.ShedRate <= 0 {
		cfg.ShedRate = 50
	}
	if cfg.ShedBurst <= 0 {
		cfg.ShedBurst = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenBucket{
		coord:   c,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("token-bucket"),
		pending: make(map[string]int64),
		loaded:  make(map[string]bool),
		shed:    make(map[string]*rate.Limiter),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the asynchronous write-back loop.
func (b *TokenBucket) Start() {
	go b.writeBackLoop()
}

// Stop stops the write-back loop after a final flush.
func (b *TokenBucket) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Consume spends one use of key. Fails closed: any coordination failure
// denies the use rather than permitting unmetered consumption.
func (b *TokenBucket) Consume(ctx context.Context, key string) error {
	if err := b.ensureLoaded(ctx, key); err != nil {
		return err
	}

	val, err := b.coord.DecrBy(ctx, bucketKeyPrefix+key, 1)
	if err != nil {
		return err
	}
	if val < 0 {
		// Went below zero: undo the decrement so the counter stays exact.
		if _, err := b.coord.IncrBy(ctx, bucketKeyPrefix+key, 1); err != nil {
			b.logger.Warn("bucket refund after exhaustion failed",
				zap.String("key", key), zap.Error(err))
		}
		return ErrUsesExhausted
	}

	b.mu.Lock()
	b.pending[key]++
	b.mu.Unlock()
	return nil
}

// Refund returns one use of key, restoring the pre-consumption value.
func (b *TokenBucket) Refund(ctx context.Context, key string) error {
	if err := b.ensureLoaded(ctx, key); err != nil {
		return err
	}
	if _, err := b.coord.IncrBy(ctx, bucketKeyPrefix+key, 1); err != nil {
		return err
	}

	b.mu.Lock()
	b.pending[key]--
	b.mu.Unlock()
	return nil
}

// Remaining returns the cached remaining-use count for key.
func (b *TokenBucket) Remaining(ctx context.Context, key string) (int64, error) {
	if err := b.ensureLoaded(ctx, key); err != nil {
		return 0, err
	}
	val, _, err := b.coord.GetCounter(ctx, bucketKeyPrefix+key)
	return val, err
}

// AllowCheck is the pure load-shed check. It consults only a local
// limiter and therefore always answers; callers shedding load on false
// must not treat true as permission to consume.
func (b *TokenBucket) AllowCheck(key string) bool {
	b.mu.Lock()
	lim, ok := b.shed[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.cfg.ShedRate), b.cfg.ShedBurst)
		b.shed[key] = lim
	}
	b.mu.Unlock()
	return lim.Allow()
}

// ensureLoaded seeds the cached counter from durable counts the first time
// a key is seen, so the bucket survives a cache loss.
func (b *TokenBucket) ensureLoaded(ctx context.Context, key string) error {
	b.mu.Lock()
	done := b.loaded[key]
	b.mu.Unlock()
	if done {
		return nil
	}

	_, exists, err := b.coord.GetCounter(ctx, bucketKeyPrefix+key)
	if err != nil {
		return err
	}
	if !exists {
		remaining, err := b.store.RemainingUses(ctx, key)
		if err != nil {
			return err
		}
		// Set-if-absent: when another replica seeded between the existence
		// check and here, its counter already reflects interleaved
		// decrements and must not be overwritten.
		if _, err := b.coord.SetCounterNX(ctx, bucketKeyPrefix+key, remaining, b.cfg.CounterTTL); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.loaded[key] = true
	b.mu.Unlock()
	return nil
}

// writeBackLoop periodically flushes consumed deltas to the durable store.
func (b *TokenBucket) writeBackLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.WriteBackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush writes all pending deltas durably. A failed write keeps the delta
// pending for the next pass.
func (b *TokenBucket) flush() {
	b.mu.Lock()
	batch := make(map[string]int64, len(b.pending))
	for key, delta := range b.pending {
		if delta != 0 {
			batch[key] = delta
		}
	}
	b.pending = make(map[string]int64)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for key, delta := range batch {
		if err := b.store.RecordUsage(ctx, key, delta); err != nil {
			b.logger.Warn("usage write-back failed",
				zap.String("key", key),
				zap.Int64("delta", delta),
				zap.Error(err))
			b.mu.Lock()
			b.pending[key] += delta
			b.mu.Unlock()
		}
	}
}
