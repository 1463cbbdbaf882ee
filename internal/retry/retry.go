package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// ErrExhausted is returned when every attempt failed with a retryable error.
var ErrExhausted = errors.New("max retries reached")

// Policy retries an operation with exponential backoff. Only errors for
// which Retryable returns true are retried; anything else is returned
// immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool

	// Sleep waits for d. Defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called after each retryable failure, before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the policy used for generation calls: 5 attempts with
// delays of 1s, 2s, 4s, 8s and 16s.
func Default(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Retryable:   retryable,
	}
}

// Delay returns the wait after the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Every retryable failure is followed by a backoff
// wait, including the last one.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}

		lastErr = err
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return fmt.Errorf("waiting to retry: %w", err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
