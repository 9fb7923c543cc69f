package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vionex/impact/api/handlers"
)

func TestImpact_Handlers_RateLimiter_Allow(t *testing.T) {
	t.Parallel()

	// 5 requests per second with burst of 5
	limiter := handlers.NewRateLimiter("test", rate.Limit(5), 5, clockwork.NewFakeClock())

	ip := "192.168.1.1"

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ip), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow(ip), "request 6 should be denied")

	// Different IP should have its own limit
	assert.True(t, limiter.Allow("192.168.1.2"), "different IP should be allowed")
}

func TestImpact_Handlers_RateLimiter_Refill(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	// 10 requests per second with burst of 2
	limiter := handlers.NewRateLimiter("test", rate.Limit(10), 2, clock)

	ip := "192.168.1.1"

	assert.True(t, limiter.Allow(ip))
	assert.True(t, limiter.Allow(ip))
	allowed, retryAfter := limiter.AllowWithRetry(ip)
	assert.False(t, allowed)
	assert.InDelta(t, float64(100*time.Millisecond), float64(retryAfter), float64(time.Millisecond))

	// 100ms = 1 token at 10/sec
	clock.Advance(150 * time.Millisecond)
	assert.True(t, limiter.Allow(ip), "should be allowed after refill")
}

func TestImpact_Handlers_RateLimitMiddleware_JSONResponse(t *testing.T) {
	t.Parallel()

	limiter := handlers.NewRateLimiter("test", rate.Limit(1), 1, clockwork.NewFakeClock())

	middleware := handlers.RateLimitMiddleware(limiter)
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.50:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var errResp handlers.RateLimitError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "rate_limit_exceeded", errResp.Error)
	assert.NotEmpty(t, errResp.Message)
	assert.Equal(t, 1, errResp.RetryAfter)
}

func TestImpact_Handlers_GetIPFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, remote: "10.0.0.1:5555", want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.3"}, remote: "10.0.0.1:5555", want: "198.51.100.3"},
		{name: "remote without port", remote: "10.0.0.9", want: "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, handlers.GetIPFromRequest(req))
		})
	}
}

func TestImpact_Handlers_ParsePagination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: handlers.DefaultLimit, wantOffset: 0},
		{query: "limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{query: "limit=100000", wantLimit: handlers.MaxLimit, wantOffset: 0},
		{query: "limit=-1&offset=-5", wantLimit: handlers.DefaultLimit, wantOffset: 0},
		{query: "limit=abc", wantLimit: handlers.DefaultLimit, wantOffset: 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/impact/logs?"+tt.query, nil)
			page := handlers.ParsePagination(req, 0)
			assert.Equal(t, tt.wantLimit, page.Limit)
			assert.Equal(t, tt.wantOffset, page.Offset)
		})
	}
}
