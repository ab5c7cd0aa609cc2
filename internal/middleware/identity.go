package middleware

import (
	"context"
	"net/http"

	"edgegate/internal/identity"
	"edgegate/internal/observability"
)

type contextKey string

const (
	// IdentityKey holds the resolved client identity.
	IdentityKey contextKey = "identity"
	// SessionKey holds the verified session context.
	SessionKey contextKey = "session"
)

// Identity resolves the client identity once per request and attaches it
// to the context for the gates downstream. Resolution never fails; an
// unattributable request is bucketed as identity.Unknown.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.Resolve(r)
			ctx := context.WithValue(r.Context(), IdentityKey, id)
			ctx = observability.WithIdentity(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity returns the identity resolved for the request.
func GetIdentity(ctx context.Context) string {
	if id, ok := ctx.Value(IdentityKey).(string); ok && id != "" {
		return id
	}
	return identity.Unknown
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}
