// Package router assembles the admission pipeline in front of the wrapped
// application. Requests are classified by path into route classes, each with
// its own stack of identity, rate limiting, CSRF and session checks; whatever
// survives is forwarded to the upstream handler.
package router

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgegate/internal/audit"
	"edgegate/internal/config"
	"edgegate/internal/csrf"
	"edgegate/internal/domain"
	"edgegate/internal/handler"
	"edgegate/internal/middleware"
	"edgegate/internal/ratelimit"
	"edgegate/internal/session"
)

const loginPath = "/admin/login"

// Deps carries the collaborators the pipeline is assembled from. Upstream is
// the wrapped application; tests inject an httptest handler there. Nil
// optional fields (UploadBurst, Locales, Ready, Auditor) fall back to
// permissive defaults.
type Deps struct {
	Limiter     *ratelimit.Limiter
	UploadBurst *ratelimit.BurstGuard
	Tokens      *csrf.Manager
	Signer      *session.Signer
	Auth        *handler.AuthHandler
	CSRFToken   *handler.CSRFHandler
	Ready       http.HandlerFunc
	Locales     LocaleResolver
	Upstream    http.Handler
	Auditor     *audit.Dispatcher
}

// New builds the gateway handler. Route classes, outermost first:
//
//	static/internal  health, readiness, metrics, static assets
//	admin            session-gated management surface, redirect on failure
//	api              JSON surface, 401/403 on failure
//	public-localized everything else, forwarded with a resolved locale
func New(cfg *config.Config, deps Deps) http.Handler {
	apiScope := ratelimit.Scope{Name: "api", Limit: cfg.Rates.API.Requests, Window: cfg.Rates.API.Window}
	authScope := ratelimit.Scope{Name: "auth", Limit: cfg.Rates.Auth.Requests, Window: cfg.Rates.Auth.Window}
	uploadScope := ratelimit.Scope{Name: "upload", Limit: cfg.Rates.Upload.Requests, Window: cfg.Rates.Upload.Window}

	upstream := deps.Upstream
	if upstream == nil {
		upstream = http.HandlerFunc(noUpstream)
	}
	locales := deps.Locales
	if locales == nil {
		locales = PrefixResolver{Supported: cfg.Locales, Fallback: cfg.DefaultLocale}
	}
	ready := deps.Ready
	if ready == nil {
		ready = handler.Health
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	// Headers go on outside Recoverer so even a panic response carries them.
	r.Use(middleware.SecurityHeaders())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())

	r.Get("/healthz", handler.Health)
	r.Get("/readyz", ready)
	r.Handle("/metrics", promhttp.Handler())

	// Static assets skip identity and every budget.
	r.Handle("/static/*", upstream)
	r.Handle("/assets/*", upstream)
	r.Handle("/favicon.ico", upstream)
	r.Handle("/robots.txt", upstream)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Identity())

		// Login must stay reachable without a session or token; its POST
		// carries the tighter auth budget instead of the api one.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, authScope, deps.Auditor))
			r.Post("/login", deps.Auth.Login)
			r.Get("/login", upstream.ServeHTTP)
		})

		// Uploads trade the api budget for the upload one plus a
		// per-second burst cap.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, uploadScope, deps.Auditor))
			if deps.UploadBurst != nil {
				r.Use(middleware.Burst(deps.UploadBurst, "upload", deps.Auditor))
			}
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor))
			r.Use(middleware.RequireSession(deps.Signer, middleware.ModeRedirect, loginPath, deps.Auditor))
			r.Handle("/upload", upstream)
			r.Handle("/upload/*", upstream)
		})

		// User management is reserved for super admins.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, apiScope, deps.Auditor))
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor))
			r.Use(middleware.RequireSession(deps.Signer, middleware.ModeRedirect, loginPath, deps.Auditor))
			r.Use(middleware.RequireRole(deps.Auditor, domain.RoleSuperAdmin))
			r.Handle("/users", upstream)
			r.Handle("/users/*", upstream)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, apiScope, deps.Auditor))
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor))
			r.Use(middleware.RequireSession(deps.Signer, middleware.ModeRedirect, loginPath, deps.Auditor))
			r.Post("/logout", deps.Auth.Logout)
			r.Handle("/", upstream)
			r.Handle("/*", upstream)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Identity())
		r.Use(middleware.CORS(cfg.Origins()))

		// Token retrieval wants a session but never a token of its own.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, apiScope, deps.Auditor))
			r.Use(middleware.RequireSession(deps.Signer, middleware.ModeJSON, loginPath, deps.Auditor))
			r.Get("/csrf-token", deps.CSRFToken.Issue)
		})

		// The wrapped app's own auth endpoints get the auth budget; its
		// login is token-exempt since a fresh client cannot have one yet.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, authScope, deps.Auditor))
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor, "/api/auth/login"))
			r.Handle("/auth", upstream)
			r.Handle("/auth/*", upstream)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter, uploadScope, deps.Auditor))
			if deps.UploadBurst != nil {
				r.Use(middleware.Burst(deps.UploadBurst, "upload", deps.Auditor))
			}
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor))
			r.Handle("/upload", upstream)
			r.Handle("/upload/*", upstream)
		})

		r.Group(func(r chi.Router) {
			r.Use(publicReadBypass(cfg.PublicAPIAllowlist, middleware.RateLimit(deps.Limiter, apiScope, deps.Auditor)))
			r.Use(middleware.CSRF(deps.Tokens, deps.Auditor))
			r.Handle("/", upstream)
			r.Handle("/*", upstream)
		})
	})

	// Everything else is the public site: resolve a locale and forward.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity())
		r.Use(localize(locales))
		r.Handle("/", upstream)
		r.Handle("/*", upstream)
	})

	return r
}

// publicReadBypass exempts safe-method requests on allowlisted prefixes from
// the wrapped admission check. Mutating methods on the same paths still pass
// through it.
func publicReadBypass(prefixes []string, gate func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		gated := gate(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRead(r, prefixes) {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}

func isPublicRead(r *http.Request, prefixes []string) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	for _, prefix := range prefixes {
		if r.URL.Path == prefix || strings.HasPrefix(r.URL.Path, prefix+"/") {
			return true
		}
	}
	return false
}
