package ratewarden

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// KeyByIP keys requests by the client IP from RemoteAddr.
// Use this for direct connections without a proxy. RemoteAddr is always present.
func KeyByIP() KeyFunc {
	return func(r *http.Request) string {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return ip
	}
}

// KeyByRealIP keys requests by the first X-Forwarded-For entry, falling back to
// X-Real-IP. Requests carrying neither header are not limited.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
func KeyByRealIP() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		return strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
}

// KeyByHeader keys requests by a header value such as an API key.
// Requests without the header are not limited.
func KeyByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// KeyByEndpoint keys requests by "<method>:<path>".
func KeyByEndpoint() KeyFunc {
	return func(r *http.Request) string {
		var sb strings.Builder
		sb.Grow(len(r.Method) + 1 + len(r.URL.Path))
		sb.WriteString(r.Method)
		sb.WriteByte(':')
		sb.WriteString(r.URL.Path)
		return sb.String()
	}
}

// KeyByRoute keys requests by "<method>:<route pattern>" using the matched chi
// route, so "/users/1" and "/users/2" share "/users/{id}". Falls back to the raw
// path outside a chi router.
func KeyByRoute() KeyFunc {
	return func(r *http.Request) string {
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		return r.Method + ":" + route
	}
}

// KeyComposite joins several dimensions with ":". If any dimension is empty the
// whole key is empty and the request is not limited.
//
//	ratewarden.KeyComposite(ratewarden.KeyByHeader("X-Tenant-ID"), ratewarden.KeyByIP())
func KeyComposite(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var sb strings.Builder
		sb.Grow(len(fns) * 24)
		for i, fn := range fns {
			part := fn(r)
			if part == "" {
				return ""
			}
			if i > 0 {
				sb.WriteByte(':')
			}
			sb.WriteString(part)
		}
		return sb.String()
	}
}
