package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrExhausted wraps the last error once every attempt has failed.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrAttemptTimeout marks an attempt that ran past Config.AttemptTimeout while the
	// parent context was still live. It counts toward MaxAttempts and is retryable.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// AttemptTimeout bounds each call to fn. Zero means no per-attempt bound.
	AttemptTimeout time.Duration

	// Retryable overrides IsRetryable when set.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// LedgerConfig is the budget used for ledger submissions: 5 attempts, exponential
// backoff from 200ms, 30s per attempt.
func LedgerConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseBackoff:    200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Budget is the longest Do can run with cfg: every attempt hitting AttemptTimeout plus
// the largest backoff between attempts. It is zero when attempts are unbounded.
func (cfg Config) Budget() time.Duration {
	if cfg.AttemptTimeout <= 0 || cfg.MaxAttempts < 1 {
		return 0
	}
	return time.Duration(cfg.MaxAttempts)*cfg.AttemptTimeout + time.Duration(cfg.MaxAttempts-1)*cfg.MaxBackoff
}

func (cfg Config) Validate() error {
	if cfg.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if cfg.BaseBackoff < 0 || cfg.MaxBackoff < 0 {
		return errors.New("backoff must not be negative")
	}
	if cfg.AttemptTimeout < 0 {
		return errors.New("attempt timeout must not be negative")
	}
	return nil
}

// Do executes fn with exponential backoff retry. Each attempt receives its own context,
// bounded by AttemptTimeout when set. Non-retryable errors are returned unchanged;
// once MaxAttempts is reached the last error is returned wrapped in ErrExhausted.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	isRetryable := cfg.Retryable
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = runAttempt(ctx, cfg.AttemptTimeout, fn)
		if lastErr == nil {
			return nil
		}

		// The caller gave up; don't mask that as an exhausted budget.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(lastErr, ctxErr) {
				return lastErr
			}
			return fmt.Errorf("%w: %w", ctxErr, lastErr)
		}
		if errors.Is(lastErr, ErrAttemptTimeout) {
			continue
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, timeout, err)
	}
	return err
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") {
			return true
		}
	}

	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"connection refused",
		"eof",
		"client is closing",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
		"node is behind",
		"blockhash not found",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff calculates exponential backoff with jitter.
// Formula: min(base * 2^(attempt-1), max) * (0.5 + rand(0, 0.5))
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > max {
		backoff = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
