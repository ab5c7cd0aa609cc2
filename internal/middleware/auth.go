package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"edgegate/internal/audit"
	"edgegate/internal/domain"
	"edgegate/internal/observability"
	"edgegate/internal/session"
)

const (
	msgAuthRequired = "Authentication required"
	msgForbidden    = "Forbidden"
)

// AuthMode selects how RequireSession answers a denied request.
type AuthMode int

const (
	// ModeRedirect sends browsers to the login page with a callbackUrl.
	ModeRedirect AuthMode = iota
	// ModeJSON answers 401 with a JSON body, for API routes.
	ModeJSON
)

// RequireSession verifies the session cookie and attaches the verified
// session to the context. An absent or invalid credential is denied as
// unauthenticated; an expired one is denied with error=session_expired so
// the login page can say why. The login route itself must not be wrapped.
func RequireSession(signer *session.Signer, mode AuthMode, loginPath string, auditor *audit.Dispatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, err := signer.Verify(session.ReadCookie(r))
			if err != nil {
				reason := denialReason(err)
				observability.AdmissionDecisions.WithLabelValues("session", "denied").Inc()
				observability.SessionDenials.WithLabelValues(reason).Inc()
				auditor.Record(&audit.Event{
					Kind:     audit.KindSessionDenied,
					Identity: GetIdentity(r.Context()),
					Method:   r.Method,
					Path:     r.URL.Path,
					Reason:   reason,
				})

				if mode == ModeJSON {
					writeError(w, http.StatusUnauthorized, msgAuthRequired)
					return
				}
				redirectToLogin(w, r, loginPath, errors.Is(err, session.ErrTokenExpired))
				return
			}

			observability.AdmissionDecisions.WithLabelValues("session", "allowed").Inc()
			ctx := context.WithValue(r.Context(), SessionKey, sc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows only sessions holding one of the listed roles. It
// must run inside RequireSession.
func RequireRole(auditor *audit.Dispatcher, roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, ok := GetSession(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, msgAuthRequired)
				return
			}

			for _, role := range roles {
				if sc.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			observability.SessionDenials.WithLabelValues("role").Inc()
			auditor.Record(&audit.Event{
				Kind:     audit.KindSessionDenied,
				Identity: GetIdentity(r.Context()),
				Method:   r.Method,
				Path:     r.URL.Path,
				Subject:  sc.Subject,
				Reason:   "role",
			})
			writeError(w, http.StatusForbidden, msgForbidden)
		})
	}
}

// GetSession returns the verified session attached to the request.
func GetSession(ctx context.Context) (*session.Context, bool) {
	sc, ok := ctx.Value(SessionKey).(*session.Context)
	return sc, ok
}

// WithSession attaches a verified session to the context.
func WithSession(ctx context.Context, sc *session.Context) context.Context {
	return context.WithValue(ctx, SessionKey, sc)
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, session.ErrTokenMissing):
		return "missing"
	case errors.Is(err, session.ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath string, expired bool) {
	q := url.Values{}
	q.Set("callbackUrl", sanitizeCallback(r.URL.RequestURI()))
	if expired {
		q.Set("error", "session_expired")
	}
	http.Redirect(w, r, loginPath+"?"+q.Encode(), http.StatusFound)
}

// sanitizeCallback keeps the callback a relative path so the login page
// cannot be used as an open redirector.
func sanitizeCallback(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}
