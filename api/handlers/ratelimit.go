package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/vionex/impact/api/metrics"
)

// RateLimitError is the 429 body.
type RateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// RateLimiter keeps one token bucket per client IP. Buckets idle for longer than
// idleTTL are dropped by Run.
type RateLimiter struct {
	name    string
	clock   clockwork.Clock
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter refilling at r tokens per second up to burst. A nil
// clock means the real clock.
func NewRateLimiter(name string, r rate.Limit, burst int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		name:     name,
		clock:    clock,
		limit:    r,
		burst:    burst,
		idleTTL:  5 * time.Minute,
		visitors: make(map[string]*visitor),
	}
}

// NewFeedbackRateLimiter allows 10 feedback submissions per minute per IP with a burst of 3.
func NewFeedbackRateLimiter() *RateLimiter {
	return NewRateLimiter("feedback", rate.Every(time.Minute/10), 3, nil)
}

func (rl *RateLimiter) Allow(ip string) bool {
	ok, _ := rl.AllowWithRetry(ip)
	return ok
}

// AllowWithRetry takes a token for ip. When none is available it returns how long until
// one will be, without consuming it.
func (rl *RateLimiter) AllowWithRetry(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	res := v.bucket.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Run evicts idle visitors every idleTTL until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := rl.clock.NewTicker(rl.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-rl.idleTTL)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// RateLimitMiddleware rejects requests over the limiter's budget with 429 and a
// Retry-After header in whole seconds.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiter.AllowWithRetry(GetIPFromRequest(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			metrics.RateLimitedTotal.WithLabelValues(limiter.name).Inc()
			seconds := max(int(wait.Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, RateLimitError{
				Error:      "rate_limit_exceeded",
				Message:    "Too many requests. Please slow down.",
				RetryAfter: seconds,
			})
		})
	}
}

// GetIPFromRequest returns the client IP, preferring the first X-Forwarded-For hop.
func GetIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
