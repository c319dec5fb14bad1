package ratewarden

import (
	"net/http"
	"strconv"

	"github.com/nhalm/canonlog"
)

// HeaderMode controls when rate limit headers are included in responses.
type HeaderMode int

const (
	// HeadersAlways includes rate limit headers on all responses (default).
	// Headers: RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset
	// On 429: Also includes Retry-After
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers in any response.
	// Use this when you want rate limiting without exposing limits to clients.
	HeadersNever
)

// WithHeaderMode configures when Handler sets rate limit headers.
func WithHeaderMode(mode HeaderMode) Option {
	return func(e *Engine) {
		e.headerMode = mode
	}
}

// WithFailOpen makes Handler admit requests when the store is unavailable.
// By default such requests are rejected with 503 (Service Unavailable).
func WithFailOpen() Option {
	return func(e *Engine) {
		e.failOpen = true
	}
}

// Handler returns rate limiting middleware.
// Sets the following headers based on header mode:
//   - RateLimit-Limit: The effective limit for the current window
//   - RateLimit-Remaining: Number of requests remaining in the current window
//   - RateLimit-Reset: Unix timestamp when the current window (or block) ends
//   - Retry-After: (only when limited) Seconds until the client may retry
//
// Denied requests receive 429 (Too Many Requests) with a JSON error body naming
// the reason. When a canonlog logger is present in the request context the
// decision is added to the canonical log line.
func (e *Engine) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		_, logging := canonlog.TryGetLogger(ctx)

		res, err := e.Check(ctx, r)
		if err != nil {
			if logging {
				canonlog.ErrorAdd(ctx, err)
			}
			if e.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, ErrServiceUnavailable)
			return
		}

		if res.Unrestricted {
			next.ServeHTTP(w, r)
			return
		}

		if logging {
			fields := map[string]any{
				"ratelimit_allowed":   res.Allowed,
				"ratelimit_remaining": res.Remaining,
			}
			if !res.Allowed {
				fields["ratelimit_reason"] = string(res.Reason)
			}
			if res.PenaltyApplied {
				fields["ratelimit_penalty"] = true
			}
			canonlog.InfoAddMany(ctx, fields)
		}

		if e.headerMode == HeadersAlways || (e.headerMode == HeadersOnLimitExceeded && !res.Allowed) {
			w.Header().Set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			w.Header().Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
			}
		}

		if !res.Allowed {
			writeError(w, errorFor(res.Reason))
			return
		}

		next.ServeHTTP(w, r)
	})
}
