package dispatch

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/seatpool/server/internal/shared/errors"
)

// RetryPolicy bounds the outer per-task retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before retry attempt n (1-indexed):
// exponential growth from BaseDelay capped at MaxDelay, with up to 50%
// jitter so synchronized workers spread out.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}

	jitter := 1 + rand.Float64()/2
	return time.Duration(base * jitter)
}

// Decision is the outcome of recording a failure.
type Decision struct {
	// Retry is true when the task should be requeued after Delay.
	Retry bool
	Delay time.Duration
	// Terminal is true when attempts are exhausted or the failure is
	// permanent; the task transitions to failed and quota is rolled back.
	Terminal bool
}

// RetryState tracks one task's attempts through the retry machine,
// independent of the queue runtime's own redelivery. Terminal failure
// triggers the compensating rollback exactly once, so a failed external
// call never silently burns consumed quota.
type RetryState struct {
	policy     RetryPolicy
	attempts   int
	rolledBack bool
	rollback   func(ctx context.Context) error
}

// NewRetryState creates a retry state with an optional compensating
// rollback invoked on terminal failure.
func NewRetryState(policy RetryPolicy, rollback func(ctx context.Context) error) *RetryState {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RetryState{policy: policy, rollback: rollback}
}

// ResumeRetryState rebuilds retry state for a redelivered task that
// already carries prior attempts.
func ResumeRetryState(policy RetryPolicy, attempts int, rollback func(ctx context.Context) error) *RetryState {
	s := NewRetryState(policy, rollback)
	s.attempts = attempts
	return s
}

// Attempts returns the number of recorded failures.
func (s *RetryState) Attempts() int {
	return s.attempts
}

// Fail records one failure and decides what happens next. Terminal
// external failures and exhausted attempts both end the task.
func (s *RetryState) Fail(ctx context.Context, err error) (Decision, error) {
	s.attempts++

	if errors.IsTerminal(err) || s.attempts >= s.policy.MaxAttempts {
		rbErr := s.Terminalize(ctx)
		return Decision{Terminal: true}, rbErr
	}

	return Decision{Retry: true, Delay: s.policy.Delay(s.attempts)}, nil
}

// Terminalize runs the compensating rollback. Idempotent: invoking it
// twice for the same terminal failure never double-refunds.
func (s *RetryState) Terminalize(ctx context.Context) error {
	if s.rolledBack || s.rollback == nil {
		return nil
	}
	if err := s.rollback(ctx); err != nil {
		return err
	}
	s.rolledBack = true
	return nil
}
