package core

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is an explicit retry schedule for one class of external call
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is used when a policy is left unset
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		p.InitialBackoff = p.MaxBackoff
	}
	return p
}

// Backoff returns the wait before the given retry (1-based)
func (p RetryPolicy) Backoff(retry int) time.Duration {
	p = p.withDefaults()
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// RetryResult reports how a retried call ended
type RetryResult struct {
	Attempts int
	Err      error
}

// OK reports whether the call eventually succeeded
func (r RetryResult) OK() bool { return r.Err == nil }

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. A RateLimitError's hint replaces the backoff.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error, retryable func(error) bool) RetryResult {
	policy = policy.withDefaults()
	if retryable == nil {
		retryable = ClassifyRetryable
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := policy.Backoff(attempt - 1)
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > wait {
				wait = rl.RetryAfter
			}
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return RetryResult{Attempts: attempt - 1, Err: err}
			}
		}

		err = fn(ctx)
		if err == nil {
			return RetryResult{Attempts: attempt}
		}
		if !retryable(err) || ctx.Err() != nil {
			return RetryResult{Attempts: attempt, Err: err}
		}
	}
	return RetryResult{Attempts: policy.MaxAttempts, Err: err}
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
