package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestImpact_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 500*time.Millisecond {
		t.Errorf("expected BaseBackoff=500ms, got %v", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != 5*time.Second {
		t.Errorf("expected MaxBackoff=5s, got %v", cfg.MaxBackoff)
	}
}

func TestImpact_Retry_Budget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"ledger", LedgerConfig(), 5*30*time.Second + 4*5*time.Second},
		{"single attempt", Config{MaxAttempts: 1, MaxBackoff: time.Second, AttemptTimeout: 2 * time.Second}, 2 * time.Second},
		{"unbounded attempts", DefaultConfig(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.Budget(); got != tt.want {
				t.Errorf("Budget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImpact_Retry_LedgerConfig(t *testing.T) {
	t.Parallel()
	cfg := LedgerConfig()
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected MaxAttempts=5, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 200*time.Millisecond {
		t.Errorf("expected BaseBackoff=200ms, got %v", cfg.BaseBackoff)
	}
	if cfg.AttemptTimeout <= 0 {
		t.Errorf("expected a per-attempt timeout, got %v", cfg.AttemptTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestImpact_Retry_Validate(t *testing.T) {
	t.Parallel()
	if err := (Config{MaxAttempts: 0}).Validate(); err == nil {
		t.Error("expected error for zero attempts")
	}
	if err := (Config{MaxAttempts: 1, BaseBackoff: -1}).Validate(); err == nil {
		t.Error("expected error for negative backoff")
	}
	if err := (Config{MaxAttempts: 1, AttemptTimeout: -1}).Validate(); err == nil {
		t.Error("expected error for negative attempt timeout")
	}
}

func TestImpact_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestImpact_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestImpact_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("connection reset")
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return originalErr
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestImpact_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("invalid input")
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return originalErr
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt (non-retryable), got %d", attempts)
	}
	if err != originalErr {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestImpact_Retry_Do_CustomClassifier(t *testing.T) {
	t.Parallel()
	occupied := errors.New("slot occupied")
	cfg := Config{
		MaxAttempts: 4,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, occupied) },
	}

	var retries []int
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		retries = append(retries, attempt)
	}

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return occupied
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(retries) != 2 || retries[0] != 2 || retries[1] != 3 {
		t.Errorf("expected OnRetry for attempts 2 and 3, got %v", retries)
	}
}

func TestImpact_Retry_Do_AttemptTimeoutCountsTowardBudget(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
		// Nothing is retryable by classification; only the timeout path retries.
		Retryable: func(error) bool { return false },
	}

	var attempts atomic.Int32
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("expected ErrAttemptTimeout, got %v", err)
	}
}

func TestImpact_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})

	if err == nil {
		t.Error("expected error, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestImpact_Retry_Do_ContextTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := Config{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}

	err := Do(ctx, cfg, func(context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return errors.New("connection reset")
	})

	if err == nil {
		t.Error("expected error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestImpact_Retry_IsRetryable_NetworkErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "timeout error", err: &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "EOF", err: errors.New("EOF"), want: true},
		{name: "broken pipe", err: errors.New("broken pipe"), want: true},
		{name: "rate limit", err: errors.New("rate limit exceeded"), want: true},
		{name: "node behind", err: errors.New("Node is behind by 42 slots"), want: true},
		{name: "blockhash expired", err: errors.New("Blockhash not found"), want: true},
		{name: "attempt timeout", err: ErrAttemptTimeout, want: true},
		{name: "program error", err: errors.New("custom program error: 0x1"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestImpact_Retry_IsRetryable_HTTPStatusCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()
			err := &httpError{statusCode: tt.code}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestImpact_Retry_IsRetryable_ContextErrors(t *testing.T) {
	t.Parallel()
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) should return false")
	}
}

func TestImpact_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		minExp  time.Duration
		maxExp  time.Duration
	}{
		{name: "first retry", base: 200 * time.Millisecond, max: 5 * time.Second, attempt: 1, minExp: 100 * time.Millisecond, maxExp: 200 * time.Millisecond},
		{name: "second retry", base: 200 * time.Millisecond, max: 5 * time.Second, attempt: 2, minExp: 200 * time.Millisecond, maxExp: 400 * time.Millisecond},
		{name: "fourth retry", base: 200 * time.Millisecond, max: 5 * time.Second, attempt: 4, minExp: 800 * time.Millisecond, maxExp: 1600 * time.Millisecond},
		{name: "capped before jitter", base: 500 * time.Millisecond, max: 1 * time.Second, attempt: 6, minExp: 500 * time.Millisecond, maxExp: 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 10; i++ {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				if got < tt.minExp || got > tt.maxExp {
					t.Errorf("calculateBackoff(%v, %v, %d) = %v, want between %v and %v",
						tt.base, tt.max, tt.attempt, got, tt.minExp, tt.maxExp)
				}
			}
		})
	}
}

func TestImpact_Retry_CalculateBackoff_JitterVariance(t *testing.T) {
	t.Parallel()
	results := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		results[calculateBackoff(500*time.Millisecond, 5*time.Second, 2)] = true
	}
	if len(results) < 5 {
		t.Errorf("expected jitter to produce variance, but only got %d unique values", len(results))
	}
}

// httpError implements StatusCode() for testing HTTP error detection
type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return http.StatusText(e.statusCode)
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}
