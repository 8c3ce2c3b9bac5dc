package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientKey(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"forwarded single", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain kept whole", "203.0.113.7, 10.0.0.1", "203.0.113.7, 10.0.0.1"},
		{"missing header", "", UnknownClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("X-Forwarded-For", tt.header)
			}
			assert.Equal(t, tt.expected, ClientKey(r))
		})
	}
}

func TestMiddleware_RejectsOverQuota(t *testing.T) {
	l, _ := newTestLimiter(PerMinute(2))

	calls := 0
	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/register_channel", nil)
		if ip != "" {
			r.Header.Set("X-Forwarded-For", ip)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("198.51.100.1").Code)
	assert.Equal(t, http.StatusOK, do("198.51.100.1").Code)

	w := do("198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "2 requests per 1m0s")
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, 2, calls, "handler must not run for rejected requests")

	// other clients are unaffected
	assert.Equal(t, http.StatusOK, do("198.51.100.2").Code)
	assert.Equal(t, 3, calls)
}

func TestMiddleware_UnknownClientsShareBucket(t *testing.T) {
	l, _ := newTestLimiter(PerMinute(1))

	handler := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
