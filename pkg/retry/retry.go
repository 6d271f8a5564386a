// Package retry runs operations again after transient failures, waiting an
// exponentially growing, jittered interval between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls how often and how patiently an operation is retried.
type Config struct {
	MaxAttempts    int           // attempts in total; 0 retries until ctx ends
	InitialWait    time.Duration // wait after the first failure
	MaxWait        time.Duration // cap on a single wait
	Multiplier     float64       // growth per attempt
	Jitter         float64       // +/- fraction applied to each wait, 0..1
	AttemptTimeout time.Duration // deadline per attempt; 0 for none

	// OnRetry, when set, is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig is three attempts starting at half a second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// RetryableError marks Err as transient.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }

func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	return errors.As(err, new(RetryableError))
}

// Backoff returns the wait after failed attempt n, counting from 1.
func (cfg Config) Backoff(n int) time.Duration {
	d := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(n-1))
	if cfg.MaxWait > 0 {
		d = math.Min(d, float64(cfg.MaxWait))
	}
	if cfg.Jitter > 0 {
		d *= 1 + cfg.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(math.Max(d, 0))
}

// Do calls fn until it succeeds, fails permanently or attempts run out.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := Attempt(ctx, cfg, func(context.Context, int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	return Attempt(ctx, cfg, func(context.Context, int) (T, error) {
		return fn()
	})
}

// Attempt calls fn with a context bounded by cfg.AttemptTimeout and the
// attempt number. Errors marked Retryable and attempts that ran into their
// own deadline are retried; anything else is returned at once. When the
// attempts run out the last error is returned.
func Attempt[T any](ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	for n := 1; ; n++ {
		v, err := once(ctx, cfg.AttemptTimeout, n, fn)
		switch {
		case err == nil:
			return v, nil
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case !IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded):
			return zero, err
		case cfg.MaxAttempts > 0 && n >= cfg.MaxAttempts:
			return zero, err
		}

		wait := cfg.Backoff(n)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

func once[T any](ctx context.Context, timeout time.Duration, n int, fn func(context.Context, int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, n)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx, n)
}
