package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/models"

	"github.com/cenkalti/backoff/v4"
)

const (
	RetryNone        = "none"
	RetryImmediate   = "immediate"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// RetryPolicy decides how often and how far apart an action is attempted.
type RetryPolicy struct {
	Strategy    string
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is one attempt plus three retries, 5s base, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:    RetryExponential,
		MaxAttempts: 4,
		Delay:       5 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// RetryPolicyFromConfig builds the engine-wide default policy.
func RetryPolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if rc.Strategy != "" {
		p.Strategy = strings.ToLower(rc.Strategy)
	}
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.Delay > 0 {
		p.Delay = rc.Delay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	return p
}

// WithOverride applies a per-action override on top of p.
func (p RetryPolicy) WithOverride(o *models.RetryPolicy) RetryPolicy {
	if o == nil {
		return p
	}
	if o.Strategy != "" {
		p.Strategy = strings.ToLower(o.Strategy)
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.DelayMS > 0 {
		p.Delay = time.Duration(o.DelayMS) * time.Millisecond
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	switch p.Strategy {
	case RetryLinear:
		return backoff.NewConstantBackOff(p.Delay)
	case RetryExponential:
		return &doublingBackOff{base: p.Delay, max: p.MaxDelay}
	default:
		return &backoff.ZeroBackOff{}
	}
}

// doublingBackOff waits base*2^n before retry n+1, without jitter.
type doublingBackOff struct {
	base time.Duration
	max  time.Duration
	n    int
}

func (b *doublingBackOff) NextBackOff() time.Duration {
	d := time.Duration(float64(b.base) * math.Pow(2, float64(b.n)))
	b.n++
	if b.max > 0 && (d > b.max || d < 0) {
		return b.max
	}
	return d
}

func (b *doublingBackOff) Reset() { b.n = 0 }

// AttemptRecorder is called after every attempt, successful or not, before any delay.
type AttemptRecorder func(attempt int, err error)

// RunWithRetry runs op until it succeeds, returns a permanent error, or the policy's
// attempts are used up. The last error is returned.
func RunWithRetry(ctx context.Context, op func(context.Context) error, policy RetryPolicy, record AttemptRecorder) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := op(ctx)
		lastErr = err
		if record != nil {
			record(attempt, err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy.backOff(), uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if err != nil && lastErr != nil && ctx.Err() != nil {
		return lastErr
	}
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
