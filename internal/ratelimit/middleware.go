package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
	"github.com/bissquit/notify-relay/internal/pkg/httputil"
)

// UnknownClient is the key shared by requests without an X-Forwarded-For header.
const UnknownClient = "unknown"

// ClientKey returns the X-Forwarded-For value of r, or UnknownClient.
func ClientKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		return v
	}
	return UnknownClient
}

// Middleware rejects requests over quota with 429 before they reach next.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	message := "rate limit of API calls exceeded: " + l.quota.String()
	retryAfter := strconv.Itoa(max(1, int(l.quota.refillInterval().Seconds())))

	mappings := []httputil.ErrorMapping{
		{Error: ErrRateLimited, Status: http.StatusTooManyRequests, Message: message},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)

			if err := l.Check(key); err != nil {
				rejectedTotal.Inc()
				ctxlog.FromContext(r.Context()).Warn("rate limited", "ip", key)
				w.Header().Set("Retry-After", retryAfter)
				httputil.HandleError(r.Context(), w, err, mappings)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
