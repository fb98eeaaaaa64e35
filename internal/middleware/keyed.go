package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/ratelimit"
)

// KeyFunc derives the throttling key for a request. An empty key skips
// the limit for that request.
type KeyFunc func(r *http.Request) string

// IPKey keys a limit by client IP. Expects RealIP to have run first.
func IPKey(prefix string) KeyFunc {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return prefix + ":" + host
	}
}

// QueryKey keys a limit by a query parameter value.
func QueryKey(prefix, param string) KeyFunc {
	return func(r *http.Request) string {
		v := r.URL.Query().Get(param)
		if v == "" {
			return ""
		}
		return prefix + ":" + v
	}
}

// KeyedLimit throttles requests per derived key with a sliding-window
// limiter. Rejections carry Retry-After; requests are never queued.
func KeyedLimit(limiter *ratelimit.Limiter, keyFn KeyFunc, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// A broken counter store must not take the API down.
				logger.WarnContext(r.Context(), "rate limit check failed, admitting request",
					"key", key,
					"error", err.Error())
				next.ServeHTTP(w, r)
				return
			}

			if !result.Allowed {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"key", key,
					"path", r.URL.Path)
				WriteRateLimited(w, r, result.RetryAfter)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// WriteRateLimited renders the standard 429 response with a retry hint.
// Shared with handlers that check keyed limits after decoding a body.
func WriteRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	render.Render(w, r, relayerr.NewErrorResponse(relayerr.ErrRateLimitExceeded))
}
