package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoRetriesRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("Do = (%v, calls %d), want permanent error after 1 call", err, calls)
	}
}

func TestDoExhausted(t *testing.T) {
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		retries = append(retries, attempt)
	}
	err := Do(context.Background(), cfg, func() error {
		return Retryable(errors.New("still failing"))
	})
	if err == nil || !IsRetryable(err) {
		t.Fatalf("Do err = %v, want last retryable error", err)
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retries))
	}
}

func TestAttemptTimeoutRetried(t *testing.T) {
	cfg := fastConfig(3)
	cfg.AttemptTimeout = 10 * time.Millisecond
	got, err := Attempt(context.Background(), cfg, func(ctx context.Context, attempt int) (int, error) {
		if attempt == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return attempt, nil
	})
	if err != nil || got != 2 {
		t.Errorf("Attempt = (%d, %v), want (2, nil)", got, err)
	}
}

func TestDoWithResultCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DoWithResult(ctx, fastConfig(0), func() (string, error) {
		return "", Retryable(errors.New("never"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("DoWithResult err = %v, want context.Canceled", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 3 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
