// Package throttle bounds access to the shared limited-use redemption
// resource with two independent primitives: a distributed counting
// semaphore for global in-flight concurrency and a per-key token bucket
// for remaining-use accounting.
package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/seatpool/server/internal/module/coord"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"go.uber.org/zap"
)

// ErrSemaphoreTimeout is returned when a slot could not be acquired within
// the bounded wait.
var ErrSemaphoreTimeout = errors.New("semaphore acquire timed out")

// SemaphoreConfig holds semaphore configuration.
type SemaphoreConfig struct {
	Key            string
	Limit          int64
	TTL            time.Duration
	AcquireTimeout time.Duration
}

// Semaphore is a distributed counting semaphore bounding global concurrent
// redemption operations. It fails open when the coordination service is
// unreachable: availability is preferred over strict bounding here.
type Semaphore struct {
	coord  coord.Coordinator
	cfg    SemaphoreConfig
	logger *zap.Logger
}

// NewSemaphore creates a new distributed semaphore.
func NewSemaphore(c coord.Coordinator, cfg SemaphoreConfig, logger *zap.Logger) *Semaphore {
	if cfg.Key == "" {
		cfg.Key = "throttle:semaphore"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Semaphore{coord: c, cfg: cfg, logger: logger.Named("semaphore")}
}

// Acquire takes one slot, waiting with backoff up to the configured bound.
// The returned release function must be called when the operation ends.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(s.cfg.AcquireTimeout)
	delay := 50 * time.Millisecond

	for {
		ok, err := s.coord.TryAcquire(ctx, s.cfg.Key, s.cfg.Limit, s.cfg.TTL)
		if err != nil {
			if errors.Is(err, sharederrors.ErrCoordinationUnavailable) {
				// Fail open: an unreachable coordinator must not halt
				// redemptions.
				s.logger.Warn("coordination unavailable, semaphore failing open", zap.Error(err))
				return func() {}, nil
			}
			return nil, err
		}
		if ok {
			return s.releaseFunc(), nil
		}

		if time.Now().After(deadline) {
			return nil, ErrSemaphoreTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

// TryAcquire takes one slot without waiting.
func (s *Semaphore) TryAcquire(ctx context.Context) (bool, func(), error) {
	ok, err := s.coord.TryAcquire(ctx, s.cfg.Key, s.cfg.Limit, s.cfg.TTL)
	if err != nil {
		if errors.Is(err, sharederrors.ErrCoordinationUnavailable) {
			s.logger.Warn("coordination unavailable, semaphore failing open", zap.Error(err))
			return true, func() {}, nil
		}
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, s.releaseFunc(), nil
}

func (s *Semaphore) releaseFunc() func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.coord.Release(ctx, s.cfg.Key); err != nil {
			// The slot's safety expiry reclaims it eventually.
			s.logger.Warn("semaphore release failed", zap.Error(err))
		}
	}
}
