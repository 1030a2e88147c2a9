package dispatch

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the at-least-once transport the worker pool drains. It is an
// explicit object passed by reference; the application supervisor owns its
// lifecycle.
type Queue interface {
	// Enqueue pushes a task onto the queue.
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue pops the oldest task, blocking up to timeout. Returns nil
	// without error when the wait elapses empty.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	// Ack removes a delivered task from the in-flight ledger.
	Ack(ctx context.Context, task *Task) error
	// Requeue returns a delivered task to the back of the queue, bumping
	// its attempt counter.
	Requeue(ctx context.Context, task *Task) error
	// Depth reports queued and in-flight counts.
	Depth(ctx context.Context) (queued int64, inflight int64, err error)
	// RecoverInflight moves tasks a crashed worker left in-flight back
	// onto the queue. Called once at startup.
	RecoverInflight(ctx context.Context) (int, error)
}

const (
	queueMainKey      = "dispatch:queue"
	queueInflightKey  = "dispatch:inflight"
	queueDequeueBlock = time.Second
	queueRecoverChunk = 100
)

// redisQueue implements Queue on a Redis list pair: tasks wait on the main
// list and sit on the in-flight list between delivery and ack, so a worker
// crash loses nothing.
type redisQueue struct {
	client redis.UniversalClient
}

// NewRedisQueue creates a Redis-backed dispatch queue.
func NewRedisQueue(client redis.UniversalClient) Queue {
	return &redisQueue{client: client}
}

func (q *redisQueue) Enqueue(ctx context.Context, task *Task) error {
	data, err := task.Marshal()
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, queueMainKey, data).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	if timeout <= 0 {
		timeout = queueDequeueBlock
	}

	data, err := q.client.BLMove(ctx, queueMainKey, queueInflightKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	task, err := UnmarshalTask([]byte(data))
	if err != nil {
		// Poison entry: drop it from in-flight so it cannot loop forever.
		q.client.LRem(ctx, queueInflightKey, 1, data)
		return nil, err
	}
	task.raw = data
	return task, nil
}

func (q *redisQueue) Ack(ctx context.Context, task *Task) error {
	return q.client.LRem(ctx, queueInflightKey, 1, task.rawPayload()).Err()
}

func (q *redisQueue) Requeue(ctx context.Context, task *Task) error {
	old := task.rawPayload()

	task.Attempt++
	data, err := task.Marshal()
	if err != nil {
		return err
	}

	pipe := q.client.Pipeline()
	pipe.LRem(ctx, queueInflightKey, 1, old)
	pipe.LPush(ctx, queueMainKey, data)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Depth(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	mainCmd := pipe.LLen(ctx, queueMainKey)
	inflightCmd := pipe.LLen(ctx, queueInflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return mainCmd.Val(), inflightCmd.Val(), nil
}

func (q *redisQueue) RecoverInflight(ctx context.Context) (int, error) {
	recovered := 0
	for recovered < queueRecoverChunk {
		data, err := q.client.LMove(ctx, queueInflightKey, queueMainKey, "RIGHT", "LEFT").Result()
		if err != nil {
			if err == redis.Nil {
				break
			}
			return recovered, err
		}
		_ = data
		recovered++
	}
	return recovered, nil
}

// rawPayload returns the wire bytes the task was delivered with, falling
// back to re-encoding for tasks created in process.
func (t *Task) rawPayload() string {
	if t.raw != "" {
		return t.raw
	}
	data, err := t.Marshal()
	if err != nil {
		return ""
	}
	return string(data)
}

// Compile-time check
var _ Queue = (*redisQueue)(nil)
