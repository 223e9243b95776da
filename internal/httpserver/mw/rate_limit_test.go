package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	l := newLimiter(RateLimitConfig{RatePerSec: 1, Burst: 2})
	now := time.Now()

	ok, remaining, _ := l.allow("10.0.0.1", now)
	require.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, _, _ = l.allow("10.0.0.1", now)
	require.True(t, ok)

	ok, _, retry := l.allow("10.0.0.1", now)
	assert.False(t, ok)
	assert.Equal(t, 1, retry)

	// other clients have their own bucket
	ok, _, _ = l.allow("10.0.0.2", now)
	assert.True(t, ok)

	// refilled after a second
	ok, _, _ = l.allow("10.0.0.1", now.Add(time.Second))
	assert.True(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimit(RateLimitConfig{RatePerSec: 0.01, Burst: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"mc.example.com", "mc.example.com", true},
		{"mc.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"mc.example.org", "*.example.com", false},
		{"mc.example.com:8080", "mc.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchHost(tt.host, tt.pattern))
		})
	}
}
