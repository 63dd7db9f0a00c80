// Package retry provides exponential backoff for transient failures: a
// stateful Backoff for supervised loops and a generic Do for single calls.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 means no retries, just the initial attempt).
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay, jitter included.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each retry (default: 2.0).
	BackoffFactor float64

	// Jitter adds rand(0, backoff) to every delay, still bounded by MaxBackoff.
	Jitter bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (c Config) withDefaults() Config {
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Backoff yields successive exponential delays. It is not safe for concurrent use.
type Backoff struct {
	cfg     Config
	next    time.Duration
	attempt int
}

// NewBackoff creates a Backoff starting at cfg.InitialBackoff.
func NewBackoff(cfg Config) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, next: cfg.InitialBackoff}
}

// Next returns the delay to wait before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.cfg.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)))
	}
	if d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	b.attempt++
	b.next = time.Duration(float64(b.next) * b.cfg.BackoffFactor)
	if b.next > b.cfg.MaxBackoff {
		b.next = b.cfg.MaxBackoff
	}
	return d
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the schedule after a success.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialBackoff
	b.attempt = 0
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry attempt (optional, for logging/metrics).
// attempt is 1-indexed (first retry is attempt 1).
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do executes fn, retrying up to cfg.MaxRetries times while isRetryable
// reports the error as transient.
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() (T, error),
) (T, error) {
	var zero T
	backoff := NewBackoff(cfg)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff.Next()
			if onRetry != nil {
				onRetry(attempt, lastErr, delay)
			}
			if err := Sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("context cancelled while retrying: %w", err)
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
