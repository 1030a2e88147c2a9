package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seatpool/server/internal/module/coord"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a durable store scripted for tests.
type fakeStore struct {
	mu        sync.Mutex
	remaining map[string]int64
	usage     map[string]int64
	usageErr  error
}

func newFakeStore(remaining map[string]int64) *fakeStore {
	return &fakeStore{remaining: remaining, usage: make(map[string]int64)}
}

func (s *fakeStore) RemainingUses(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining[key], nil
}

func (s *fakeStore) RecordUsage(_ context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return s.usageErr
	}
	s.usage[key] += delta
	return nil
}

// downCoordinator simulates a lost coordination service.
type downCoordinator struct{}

func (downCoordinator) err() error {
	return sharederrors.ErrCoordinationUnavailable
}

func (d downCoordinator) TryAcquire(context.Context, string, int64, time.Duration) (bool, error) {
	return false, d.err()
}
func (d downCoordinator) Release(context.Context, string) error { return d.err() }
func (d downCoordinator) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, d.err()
}
func (d downCoordinator) DecrBy(context.Context, string, int64) (int64, error) {
	return 0, d.err()
}
func (d downCoordinator) GetCounter(context.Context, string) (int64, bool, error) {
	return 0, false, d.err()
}
func (d downCoordinator) SetCounter(context.Context, string, int64, time.Duration) error {
	return d.err()
}
func (d downCoordinator) SetCounterNX(context.Context, string, int64, time.Duration) (bool, error) {
	return false, d.err()
}
func (d downCoordinator) AcquireMutex(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, d.err()
}
func (d downCoordinator) ReleaseMutex(context.Context, string, string) error { return d.err() }

func newTestBucket(store Store) *TokenBucket {
	return NewTokenBucket(coord.NewMemory(), store, BucketConfig{
		WriteBackInterval: time.Hour, // flush manually via Stop
		ShedRate:          1000,
		ShedBurst:         1000,
	}, nil)
}

func TestConsumeExactlyRemainingUses(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 3})
	bucket := newTestBucket(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, bucket.Consume(ctx, "CODE"), "use %d", i+1)
	}

	err := bucket.Consume(ctx, "CODE")
	assert.ErrorIs(t, err, ErrUsesExhausted)

	remaining, err := bucket.Remaining(ctx, "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining, "the failed decrement is undone")
}

func TestRefundRestoresUse(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 1})
	bucket := newTestBucket(store)
	ctx := context.Background()

	require.NoError(t, bucket.Consume(ctx, "CODE"))
	assert.ErrorIs(t, bucket.Consume(ctx, "CODE"), ErrUsesExhausted)

	require.NoError(t, bucket.Refund(ctx, "CODE"))
	assert.NoError(t, bucket.Consume(ctx, "CODE"), "a refunded use is consumable again")
}

func TestConsumeFailsClosedWithoutCoordinator(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 10})
	bucket := NewTokenBucket(downCoordinator{}, store, BucketConfig{}, nil)

	err := bucket.Consume(context.Background(), "CODE")
	assert.ErrorIs(t, err, sharederrors.ErrCoordinationUnavailable,
		"consumption must be denied rather than unmetered")
}

func TestWriteBackFlushesConsumedDeltas(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 5})
	bucket := newTestBucket(store)
	ctx := context.Background()

	bucket.Start()
	require.NoError(t, bucket.Consume(ctx, "CODE"))
	require.NoError(t, bucket.Consume(ctx, "CODE"))
	require.NoError(t, bucket.Consume(ctx, "CODE"))
	require.NoError(t, bucket.Refund(ctx, "CODE"))
	bucket.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(2), store.usage["CODE"], "net delta reaches the durable store")
}

func TestReplicasShareOneCounter(t *testing.T) {
	// Two replicas over the same coordinator and store spend from a single
	// counter: K durable uses admit exactly K consumptions in total.
	c := coord.NewMemory()
	store := newFakeStore(map[string]int64{"CODE": 3})
	cfg := BucketConfig{WriteBackInterval: time.Hour, ShedRate: 1000, ShedBurst: 1000}

	a := NewTokenBucket(c, store, cfg, nil)
	b := NewTokenBucket(c, store, cfg, nil)
	ctx := context.Background()

	require.NoError(t, a.Consume(ctx, "CODE"))
	require.NoError(t, a.Consume(ctx, "CODE"))

	require.NoError(t, b.Consume(ctx, "CODE"), "the late replica sees the shared counter, not a fresh seed")
	assert.ErrorIs(t, b.Consume(ctx, "CODE"), ErrUsesExhausted)
	assert.ErrorIs(t, a.Consume(ctx, "CODE"), ErrUsesExhausted)
}

func TestFlushKeepsDeltaUntilStoreAccepts(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 5})
	bucket := newTestBucket(store)
	ctx := context.Background()

	require.NoError(t, bucket.Consume(ctx, "CODE"))

	store.mu.Lock()
	store.usageErr = errors.New("unknown code")
	store.mu.Unlock()
	bucket.flush()

	store.mu.Lock()
	assert.Zero(t, store.usage["CODE"])
	store.usageErr = nil
	store.mu.Unlock()

	bucket.flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(1), store.usage["CODE"], "the delta stays pending until the store accepts it")
}

func TestAllowCheckShedsBeyondBurst(t *testing.T) {
	bucket := NewTokenBucket(coord.NewMemory(), newFakeStore(nil), BucketConfig{
		ShedRate:  0.001,
		ShedBurst: 2,
	}, nil)

	assert.True(t, bucket.AllowCheck("CODE"))
	assert.True(t, bucket.AllowCheck("CODE"))
	assert.False(t, bucket.AllowCheck("CODE"), "third request inside the burst window is shed")
}

func TestAllowCheckNeverBlocksOnCoordinator(t *testing.T) {
	bucket := NewTokenBucket(downCoordinator{}, newFakeStore(nil), BucketConfig{
		ShedRate:  1000,
		ShedBurst: 1000,
	}, nil)

	// The shed check is purely local; coordinator loss cannot affect it.
	assert.True(t, bucket.AllowCheck("CODE"))
}

func TestEnsureLoadedSeedsFromDurableStore(t *testing.T) {
	store := newFakeStore(map[string]int64{"CODE": 7})
	bucket := newTestBucket(store)

	remaining, err := bucket.Remaining(context.Background(), "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(7), remaining)
}
