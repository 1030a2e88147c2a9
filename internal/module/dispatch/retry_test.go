package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentiallyWithCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	for attempt := 1; attempt <= 8; attempt++ {
		d := policy.Delay(attempt)

		base := float64(policy.BaseDelay) * float64(int(1)<<(attempt-1))
		if base > float64(policy.MaxDelay) {
			base = float64(policy.MaxDelay)
		}

		// Jitter multiplies by [1, 1.5).
		assert.GreaterOrEqual(t, d, time.Duration(base), "attempt %d", attempt)
		assert.Less(t, d, time.Duration(base*1.5)+time.Millisecond, "attempt %d", attempt)
	}
}

func TestFailRetriesTransientUntilExhausted(t *testing.T) {
	rollbacks := 0
	state := NewRetryState(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		rollbacks++
		return nil
	})

	transient := sharederrors.Transient(errors.New("connection reset"))

	d, err := state.Fail(context.Background(), transient)
	require.NoError(t, err)
	assert.True(t, d.Retry)
	assert.Zero(t, rollbacks)

	d, err = state.Fail(context.Background(), transient)
	require.NoError(t, err)
	assert.True(t, d.Retry)

	d, err = state.Fail(context.Background(), transient)
	require.NoError(t, err)
	assert.True(t, d.Terminal, "third failure exhausts the budget")
	assert.Equal(t, 1, rollbacks, "exactly one compensating rollback")
}

func TestFailTerminalErrorEndsImmediately(t *testing.T) {
	rollbacks := 0
	state := NewRetryState(DefaultRetryPolicy(), func(context.Context) error {
		rollbacks++
		return nil
	})

	d, err := state.Fail(context.Background(), sharederrors.Terminal(errors.New("identity rejected")))
	require.NoError(t, err)
	assert.True(t, d.Terminal)
	assert.False(t, d.Retry)
	assert.Equal(t, 1, rollbacks)
}

func TestTerminalizeIsIdempotent(t *testing.T) {
	rollbacks := 0
	state := NewRetryState(DefaultRetryPolicy(), func(context.Context) error {
		rollbacks++
		return nil
	})

	require.NoError(t, state.Terminalize(context.Background()))
	require.NoError(t, state.Terminalize(context.Background()))
	assert.Equal(t, 1, rollbacks, "double terminalize must not double-refund")
}

func TestTerminalizeRetriesAfterRollbackFailure(t *testing.T) {
	calls := 0
	state := NewRetryState(DefaultRetryPolicy(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("refund failed")
		}
		return nil
	})

	require.Error(t, state.Terminalize(context.Background()))
	require.NoError(t, state.Terminalize(context.Background()), "a failed rollback stays pending")
	require.NoError(t, state.Terminalize(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestResumeRetryStateCarriesAttempts(t *testing.T) {
	state := ResumeRetryState(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, 2, nil)

	d, err := state.Fail(context.Background(), errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, d.Terminal, "a redelivered task keeps its attempt history")
}
