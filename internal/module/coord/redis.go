package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
)

const coordKeyPrefix = "coord:"

// releaseMutexScript deletes the mutex key only while the caller still owns
// it, so a holder whose lease expired cannot release a successor's lock.
var releaseMutexScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisCoordinator implements Coordinator on top of Redis.
type redisCoordinator struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed coordinator.
func NewRedis(client redis.UniversalClient) Coordinator {
	return &redisCoordinator{client: client}
}

func (c *redisCoordinator) key(key string) string {
	return coordKeyPrefix + key
}

// wrap tags transport failures so callers can apply their fail-open or
// fail-closed policy with errors.Is.
func wrap(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return fmt.Errorf("%w: %v", sharederrors.ErrCoordinationUnavailable, err)
}

func (c *redisCoordinator) TryAcquire(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	fullKey := c.key(key)

	val, err := c.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, wrap(err)
	}

	if val > limit {
		// Over the bound: give the slot back.
		if err := c.client.Decr(ctx, fullKey).Err(); err != nil {
			return false, wrap(err)
		}
		return false, nil
	}

	// Safety expiry: a crashed holder frees its slot when the key lapses.
	// The expiry is pinned to the key's creation; later acquires must not
	// push out the reclamation point for leaked slots. All slots under one
	// key share the window and lapse together.
	if ttl > 0 {
		if err := c.client.ExpireNX(ctx, fullKey, ttl).Err(); err != nil {
			return false, wrap(err)
		}
	}
	return true, nil
}

func (c *redisCoordinator) Release(ctx context.Context, key string) error {
	val, err := c.client.Decr(ctx, c.key(key)).Result()
	if err != nil {
		return wrap(err)
	}
	// The key may have expired between acquire and release; never let the
	// counter go negative or the semaphore widens.
	if val < 0 {
		if err := c.client.Set(ctx, c.key(key), 0, 0).Err(); err != nil {
			return wrap(err)
		}
	}
	return nil
}

func (c *redisCoordinator) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := c.client.IncrBy(ctx, c.key(key), delta).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return val, nil
}

func (c *redisCoordinator) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := c.client.DecrBy(ctx, c.key(key), delta).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return val, nil
}

func (c *redisCoordinator) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, wrap(err)
	}
	return val, true, nil
}

func (c *redisCoordinator) SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return wrap(c.client.Set(ctx, c.key(key), value, ttl).Err())
}

func (c *redisCoordinator) SetCounterNX(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

func (c *redisCoordinator) AcquireMutex(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.key(key), token, ttl).Result()
	if err != nil {
		return "", false, wrap(err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *redisCoordinator) ReleaseMutex(ctx context.Context, key string, token string) error {
	return wrap(releaseMutexScript.Run(ctx, c.client, []string{c.key(key)}, token).Err())
}

// Compile-time check
var _ Coordinator = (*redisCoordinator)(nil)
