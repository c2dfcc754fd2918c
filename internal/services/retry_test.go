package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAttempt struct {
	n   int
	err error
}

func TestRunWithRetry_ExhaustsExponential(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryExponential, MaxAttempts: 3, Delay: time.Millisecond}
	boom := errors.New("boom")

	var attempts []recordedAttempt
	err := RunWithRetry(context.Background(), func(context.Context) error { return boom }, policy,
		func(n int, err error) { attempts = append(attempts, recordedAttempt{n, err}) })

	require.ErrorIs(t, err, boom)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.n)
		assert.ErrorIs(t, a.err, boom)
	}
}

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryLinear, MaxAttempts: 4, Delay: time.Millisecond}
	calls := 0
	var successes, failures int

	err := RunWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, policy, func(_ int, err error) {
		if err == nil {
			successes++
		} else {
			failures++
		}
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, successes)
	assert.Equal(t, 2, failures)
}

func TestRunWithRetry_PermanentStopsImmediately(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryImmediate, MaxAttempts: 5}
	calls := 0
	bad := errors.New("bad config")

	err := RunWithRetry(context.Background(), func(context.Context) error {
		calls++
		return Permanent(bad)
	}, policy, nil)

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestRunWithRetry_ContextCancelReturnsLastError(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryLinear, MaxAttempts: 10, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := RunWithRetry(ctx, func(context.Context) error { return boom }, policy, nil)
	assert.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunWithRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = RunWithRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	}, RetryPolicy{Strategy: RetryNone}, nil)
	assert.Equal(t, 1, calls)
}

func TestDoublingBackOff(t *testing.T) {
	b := &doublingBackOff{base: 5 * time.Second, max: 30 * time.Second}
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 10*time.Second, b.NextBackOff())
	assert.Equal(t, 20*time.Second, b.NextBackOff())
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestRetryPolicy_Override(t *testing.T) {
	base := RetryPolicyFromConfig(config.RetryConfig{})
	assert.Equal(t, DefaultRetryPolicy(), base)

	p := base.WithOverride(&models.RetryPolicy{Strategy: "LINEAR", MaxAttempts: 2, DelayMS: 250})
	assert.Equal(t, RetryLinear, p.Strategy)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.Delay)

	assert.Equal(t, base, base.WithOverride(nil))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("x"))))
	assert.False(t, IsPermanent(errors.New("x")))
	assert.False(t, IsPermanent(nil))
}
