package app

import (
	"context"
	"time"
)

// RetryOptions bounds WithRetry. Zero fields take DefaultRetryOptions values.
type RetryOptions struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// OnRetry, if set, is called before each wait with the attempt about to run.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions is three attempts starting at one second, doubling, capped at 30s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = def.BackoffMultiplier
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	return o
}

// delayBefore returns the wait before attempt n (n >= 2):
// min(InitialDelay * BackoffMultiplier^(n-2), MaxDelay).
func (o RetryOptions) delayBefore(n int) time.Duration {
	d := float64(o.InitialDelay)
	for i := 2; i < n; i++ {
		d *= o.BackoffMultiplier
		if d >= float64(o.MaxDelay) {
			return o.MaxDelay
		}
	}
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// WithRetry runs op up to MaxAttempts times with exponential backoff between
// attempts. A non-retryable error (see IsRetryable) stops immediately. When every
// attempt fails the last error is returned as is. The wait only blocks the caller
// and ends early with ctx's error if ctx is done.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	opts = opts.withDefaults()
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := opts.delayBefore(attempt)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, delay, err)
			}
			if serr := opts.sleep(ctx, delay); serr != nil {
				return result, err
			}
		}
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return result, err
		}
	}
	return result, err
}

// Retry is WithRetry for operations without a result.
func Retry(ctx context.Context, op func(ctx context.Context) error, opts RetryOptions) error {
	_, err := WithRetry(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
