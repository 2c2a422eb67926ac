package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedAndLinear(t *testing.T) {
	fixed := Fixed(2 * time.Second)
	assert.Equal(t, 2*time.Second, fixed(1))
	assert.Equal(t, 2*time.Second, fixed(5))

	linear := Linear(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, linear(1))
	assert.Equal(t, time.Second, linear(2))
	assert.Equal(t, 500*time.Millisecond, linear(0))
}

func TestExponential(t *testing.T) {
	backoff := Exponential(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	})
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, time.Second, backoff(10), "capped at MaxInterval")
}

func TestExponential_JitterRange(t *testing.T) {
	backoff := Exponential(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})
	for i := 0; i < 50; i++ {
		d := backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestPolicyDo_SucceedsAfterFailures(t *testing.T) {
	var attempts []int
	policy := Policy{MaxAttempts: 3, Backoff: Fixed(time.Millisecond)}

	err := policy.Do(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestPolicyDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	policy := Policy{MaxAttempts: 3, OperationName: "upload"}

	err := policy.Do(context.Background(), func(int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "upload failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestPolicyDo_StopError(t *testing.T) {
	authErr := errors.New("authentication failed")
	calls := 0
	policy := Policy{MaxAttempts: 5}

	err := policy.Do(context.Background(), func(int) error {
		calls++
		return Stop(authErr)
	})

	assert.Equal(t, authErr, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsStopError(Stop(authErr)))
	assert.False(t, IsStopError(authErr))
}

func TestPolicyDo_RetryablePredicate(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	policy := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}

	err := policy.Do(context.Background(), func(int) error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	policy := Policy{MaxAttempts: 3, Backoff: Fixed(time.Hour)}

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(int) error { return boom })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicyDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}
