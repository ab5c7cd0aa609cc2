package middleware

import (
	"errors"
	"net/http"
	"strings"

	"edgegate/internal/audit"
	"edgegate/internal/csrf"
	"edgegate/internal/observability"
	"edgegate/internal/session"
)

const (
	msgCSRFMissing = "CSRF token missing"
	msgCSRFInvalid = "Invalid CSRF token"
)

// CSRF validates tokens on state-changing requests. Safe methods pass
// through untouched. The presented token must match the one issued for
// the caller's session; a token replayed under a different session cookie
// does not validate.
//
// Token sources (checked in order):
// - Header: X-CSRF-Token
// - Header: X-XSRF-Token (alternate)
//
// Form fields are not consulted: reading them would drain the body before
// it reaches the upstream application.
func CSRF(tokens *csrf.Manager, auditor *audit.Dispatcher, exemptPaths ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if isExemptPath(r.URL.Path, exemptPaths) {
				next.ServeHTTP(w, r)
				return
			}

			presented := extractCSRFToken(r)
			sessionKey := session.Key(session.ReadCookie(r))

			if err := tokens.Validate(sessionKey, presented); err != nil {
				reason, message := "invalid", msgCSRFInvalid
				if errors.Is(err, csrf.ErrTokenMissing) {
					reason, message = "missing", msgCSRFMissing
				}

				observability.AdmissionDecisions.WithLabelValues("csrf", "denied").Inc()
				observability.CSRFFailures.WithLabelValues(reason).Inc()
				logCSRFFailure(r, reason)
				auditor.Record(&audit.Event{
					Kind:     audit.KindCSRFRejected,
					Identity: GetIdentity(r.Context()),
					Method:   r.Method,
					Path:     r.URL.Path,
					Reason:   reason,
				})

				writeError(w, http.StatusForbidden, message)
				return
			}

			observability.AdmissionDecisions.WithLabelValues("csrf", "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod returns true if the HTTP method is idempotent and cacheable.
// These methods should not modify state and don't require CSRF tokens.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

func isExemptPath(path string, exempt []string) bool {
	for _, p := range exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// extractCSRFToken extracts the CSRF token from the request headers,
// checking X-CSRF-Token first and X-XSRF-Token as the alternate.
func extractCSRFToken(r *http.Request) string {
	if token := r.Header.Get("X-CSRF-Token"); token != "" {
		return token
	}
	return r.Header.Get("X-XSRF-Token")
}

func logCSRFFailure(r *http.Request, reason string) {
	observability.FromContext(r.Context()).Warn("CSRF validation failed",
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
}
