package middleware

import (
	"net/http"
	"strconv"
	"time"

	"edgegate/internal/audit"
	"edgegate/internal/observability"
	"edgegate/internal/ratelimit"
)

const msgRateLimited = "Rate limit exceeded"

// RateLimit enforces the scope's fixed-window budget per client identity.
// The check runs before the request body is read, so requests the client
// later aborts still count. Denials carry Retry-After and the X-RateLimit
// headers so well-behaved clients can back off.
func RateLimit(limiter *ratelimit.Limiter, scope ratelimit.Scope, auditor *audit.Dispatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			decision := limiter.Check(r.Context(), scope, id)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				observability.AdmissionDecisions.WithLabelValues("rate_limit", "denied").Inc()
				observability.RateLimitDenials.WithLabelValues(scope.Name).Inc()
				observability.FromContext(r.Context()).Warn("rate limit exceeded",
					"scope", scope.Name,
					"identity", id,
					"path", r.URL.Path)
				auditor.Record(&audit.Event{
					Kind:     audit.KindRateLimitDenied,
					Identity: id,
					Method:   r.Method,
					Path:     r.URL.Path,
					Scope:    scope.Name,
				})

				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
				writeError(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}

			observability.AdmissionDecisions.WithLabelValues("rate_limit", "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// Burst layers a short-horizon cap on top of the window budget, used for
// the upload scope so one client cannot spend a window's allowance in a
// single burst.
func Burst(guard *ratelimit.BurstGuard, scope string, auditor *audit.Dispatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if !guard.Allow(id) {
				observability.AdmissionDecisions.WithLabelValues("rate_limit", "denied").Inc()
				observability.RateLimitDenials.WithLabelValues(scope).Inc()
				auditor.Record(&audit.Event{
					Kind:     audit.KindRateLimitDenied,
					Identity: id,
					Method:   r.Method,
					Path:     r.URL.Path,
					Scope:    scope,
				})
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(decision ratelimit.Decision) int {
	seconds := int(decision.RetryAfter(time.Now()).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
