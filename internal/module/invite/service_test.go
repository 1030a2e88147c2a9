package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/seatpool/server/internal/module/coord"
	"github.com/seatpool/server/internal/module/dispatch"
	"github.com/seatpool/server/internal/module/membership"
	"github.com/seatpool/server/internal/module/pool"
	"github.com/seatpool/server/internal/module/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureQueue struct {
	mu       sync.Mutex
	tasks    []*dispatch.Task
	enqueueE error
}

func (q *captureQueue) Enqueue(_ context.Context, task *dispatch.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueE != nil {
		return q.enqueueE
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *captureQueue) Dequeue(context.Context, time.Duration) (*dispatch.Task, error) {
	return nil, nil
}
func (q *captureQueue) Ack(context.Context, *dispatch.Task) error     { return nil }
func (q *captureQueue) Requeue(context.Context, *dispatch.Task) error { return nil }
func (q *captureQueue) Depth(context.Context) (int64, int64, error)   { return 3, 1, nil }
func (q *captureQueue) RecoverInflight(context.Context) (int, error)  { return 0, nil }

type fakeClient struct {
	removeCalled bool
	removeResult bool
}

func (c *fakeClient) Invite(_ context.Context, _ int64, identities []string) ([]membership.InviteResult, error) {
	results := make([]membership.InviteResult, len(identities))
	for i, id := range identities {
		results[i] = membership.InviteResult{Identity: id, OK: true}
	}
	return results, nil
}

func (c *fakeClient) Remove(context.Context, int64, string) (bool, error) {
	c.removeCalled = true
	return c.removeResult, nil
}

type memStore struct {
	mu        sync.Mutex
	remaining map[string]int64
}

func (s *memStore) RemainingUses(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining[key], nil
}

func (s *memStore) RecordUsage(_ context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining[key] -= delta
	return nil
}

type serviceFixture struct {
	service *Service
	repo    *pool.MemoryRepository
	queue   *captureQueue
	bucket  *throttle.TokenBucket
	client  *fakeClient
}

func newServiceFixture(t *testing.T, remaining map[string]int64) *serviceFixture {
	t.Helper()

	repo := pool.NewMemoryRepository()
	ledger := pool.NewLedger(repo, 24*time.Hour)
	queue := &captureQueue{}
	client := &fakeClient{removeResult: true}
	c := coord.NewMemory()

	bucket := throttle.NewTokenBucket(c, &memStore{remaining: remaining}, throttle.BucketConfig{
		ShedRate:  1000,
		ShedBurst: 1000,
	}, nil)
	sem := throttle.NewSemaphore(c, throttle.SemaphoreConfig{Limit: 5}, nil)

	service := NewService(repo, ledger, pool.NewCoordinator(ledger, nil), queue, sem, bucket,
		client, nil, DefaultConfig(), nil)

	return &serviceFixture{service: service, repo: repo, queue: queue, bucket: bucket, client: client}
}

func TestSubmitAsyncEnqueuesReserveTask(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 2})

	resp, err := f.service.Submit(context.Background(), &InviteRequest{
		Identity: "alice",
		Code:     "CODE",
		Group:    "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, resp.Status)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, dispatch.KindReserve, task.Kind)
	require.NotNil(t, task.Reserve)
	assert.Equal(t, "alice", task.Reserve.Identity)
	assert.Equal(t, "CODE", task.Reserve.Code)

	remaining, err := f.bucket.Remaining(context.Background(), "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining, "one use is consumed up front")
}

func TestSubmitRejectsExhaustedCode(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 0})

	_, err := f.service.Submit(context.Background(), &InviteRequest{
		Identity: "alice",
		Code:     "CODE",
	})
	assert.ErrorIs(t, err, throttle.ErrUsesExhausted)
	assert.Empty(t, f.queue.tasks)
}

func TestSubmitRefundsWhenEnqueueFails(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 1})
	f.queue.enqueueE = errors.New("redis down")

	_, err := f.service.Submit(context.Background(), &InviteRequest{
		Identity: "alice",
		Code:     "CODE",
	})
	require.Error(t, err)

	remaining, err := f.bucket.Remaining(context.Background(), "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining, "a failed handoff must not burn the use")
}

func TestSubmitShedsBeyondLocalBurst(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 100})

	// Rebuild with a tight shed limiter.
	bucket := throttle.NewTokenBucket(coord.NewMemory(), &memStore{remaining: map[string]int64{"CODE": 100}},
		throttle.BucketConfig{ShedRate: 0.001, ShedBurst: 1}, nil)
	ledger := pool.NewLedger(f.repo, 24*time.Hour)
	service := NewService(f.repo, ledger, pool.NewCoordinator(ledger, nil), f.queue,
		throttle.NewSemaphore(coord.NewMemory(), throttle.SemaphoreConfig{Limit: 5}, nil),
		bucket, f.client, nil, DefaultConfig(), nil)

	_, err := service.Submit(context.Background(), &InviteRequest{Identity: "alice", Code: "CODE"})
	require.NoError(t, err)

	_, err = service.Submit(context.Background(), &InviteRequest{Identity: "bob", Code: "CODE"})
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestCapacityReportsAggregateAndPerTeam(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.repo.AddTeam(&pool.Team{ID: 1, Capacity: 2, Health: pool.TeamHealthy, Group: "pro"})
	f.repo.AddTeam(&pool.Team{ID: 2, Capacity: 3, Health: pool.TeamHealthy, Group: "pro"})
	f.repo.AddConfirmed(1, "alice")

	resp, err := f.service.Capacity(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Aggregate.Capacity)
	assert.Equal(t, 4, resp.Aggregate.Available)
	assert.Len(t, resp.Teams, 2)
}

func TestQueueStats(t *testing.T) {
	f := newServiceFixture(t, nil)
	require.NoError(t, f.repo.CreateWaitingTask(context.Background(), &pool.WaitingTask{
		ID:     uuid.New(),
		Status: pool.WaitingStatusWaiting,
	}))

	resp, err := f.service.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Queued)
	assert.Equal(t, int64(1), resp.Inflight)
	assert.Equal(t, int64(1), resp.Waiting[pool.WaitingStatusWaiting])
}

func TestRemoveMarksRecordAndRefunds(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 5})

	rec := &pool.InviteRecord{
		ID:        uuid.New(),
		TeamID:    1,
		Identity:  "alice",
		Status:    pool.InviteStatusSuccess,
		Code:      "CODE",
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateInvite(context.Background(), rec))

	resp, err := f.service.Remove(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, resp.Removed)
	assert.True(t, f.client.removeCalled)

	got, err := f.repo.GetInvite(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.InviteStatusRemoved, got.Status)

	remaining, err := f.bucket.Remaining(context.Background(), "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(6), remaining, "a revoked invite gives the code use back")
}

func TestRemoveNotOnTeamKeepsRecordAndQuota(t *testing.T) {
	f := newServiceFixture(t, map[string]int64{"CODE": 5})
	f.client.removeResult = false

	rec := &pool.InviteRecord{
		ID:        uuid.New(),
		TeamID:    1,
		Identity:  "alice",
		Status:    pool.InviteStatusSuccess,
		Code:      "CODE",
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.repo.CreateInvite(context.Background(), rec))

	resp, err := f.service.Remove(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, resp.Removed)

	got, err := f.repo.GetInvite(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, pool.InviteStatusSuccess, got.Status, "no removal upstream, no transition here")

	remaining, err := f.bucket.Remaining(context.Background(), "CODE")
	require.NoError(t, err)
	assert.Equal(t, int64(5), remaining, "the use is not refunded for a member that was never removed")
}

func TestRemoveUnknownIdentity(t *testing.T) {
	f := newServiceFixture(t, nil)

	_, err := f.service.Remove(context.Background(), "nobody")
	assert.ErrorIs(t, err, pool.ErrInviteNotFound)
}

func TestTriggerReconcileEnqueuesTask(t *testing.T) {
	f := newServiceFixture(t, nil)

	require.NoError(t, f.service.TriggerReconcile(context.Background(), "pro"))
	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, dispatch.KindReconcile, f.queue.tasks[0].Kind)
	assert.Equal(t, "pro", f.queue.tasks[0].Reconcile.Group)
}
