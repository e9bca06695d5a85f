// Package identity assigns per-connection identity to incoming requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ConnectionHeaderName lets a client propose its own connection id, which
// keeps server logs correlatable with client logs across reconnects.
const ConnectionHeaderName = "X-Retro-Connection-ID"

type contextKey int

const (
	connectionIDKey contextKey = iota
)

var connectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ConnectionIDFromContext extracts the connection ID from the request context.
func ConnectionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithConnectionID returns a copy of ctx carrying id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

func sanitizeConnectionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !connectionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func connectionIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ConnectionHeaderName)
	if id == "" {
		id = r.URL.Query().Get("conn_id")
	}
	return sanitizeConnectionID(id)
}

// Middleware injects a connection ID, taken from the request when valid
// and generated otherwise. A client-proposed id gets a random suffix so two
// clients can never collide on it.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			if proposed := connectionIDFromRequest(r); proposed != "" {
				id = proposed + "." + id[:8]
			}
			next.ServeHTTP(w, r.WithContext(WithConnectionID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
