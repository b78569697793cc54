// Package retry retries transient failures with exponential backoff.
//
//	hosts, err := retry.Value(ctx, retry.DefaultConfig, func() ([]Host, error) {
//	    return client.ListHosts(ctx, inv)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts counts the first call.  Values below 1 mean a single call.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; it doubles up to
	// MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors.  Nil means Transient.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// Transient reports whether err may succeed on a later attempt.  Context
// cancellation, errors marked Permanent and 4xx statuses other than 429 are
// not transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p permanent
	if errors.As(err, &p) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return false
		}
	}
	return true
}

// Do calls fn until it succeeds, a non-retryable error occurs, attempts run
// out or ctx is done.  The last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Transient
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) || attempt == cfg.MaxAttempts {
			break
		}

		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if p, ok := lastErr.(permanent); ok {
		return p.err
	}
	return lastErr
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
