package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"edgegate/internal/audit"
	"edgegate/internal/config"
	"edgegate/internal/csrf"
	"edgegate/internal/domain"
	"edgegate/internal/handler"
	"edgegate/internal/ratelimit"
	"edgegate/internal/service"
	"edgegate/internal/session"
	"edgegate/internal/testutil"
)

const gatewaySecret = "0123456789abcdef0123456789abcdef"

type forwardedCall struct {
	Method string
	Path   string
	Locale string
}

// upstreamRecorder stands in for the wrapped application and records what
// the gateway let through.
type upstreamRecorder struct {
	mu    sync.Mutex
	calls []forwardedCall
	serve http.HandlerFunc
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.calls = append(u.calls, forwardedCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Locale: r.Header.Get("X-Locale"),
	})
	u.mu.Unlock()

	if u.serve != nil {
		u.serve(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (u *upstreamRecorder) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func (u *upstreamRecorder) last() (forwardedCall, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return forwardedCall{}, false
	}
	return u.calls[len(u.calls)-1], true
}

type gateway struct {
	handler  http.Handler
	upstream *upstreamRecorder
	sink     *testutil.CapturingSink
	auditor  *audit.Dispatcher
	signer   *session.Signer
	tokens   *csrf.Manager
}

// newGateway assembles a full pipeline against an in-memory store and a
// recording upstream. Two accounts exist: root@example.com (SUPER_ADMIN)
// and admin@example.com (ADMIN), both using testutil.TestPassword.
func newGateway(t *testing.T, opts ...func(*config.Config, *Deps)) *gateway {
	t.Helper()

	cfg := &config.Config{
		Environment:    "test",
		BaseURL:        "http://localhost:8080",
		SessionSecret:  gatewaySecret,
		SessionTTL:     time.Hour,
		AllowedOrigins: "http://app.example.com",
		Rates: config.RateLimits{
			API:    config.ScopeLimit{Requests: 100, Window: 15 * time.Minute},
			Auth:   config.ScopeLimit{Requests: 20, Window: 15 * time.Minute},
			Upload: config.ScopeLimit{Requests: 10, Window: 15 * time.Minute},
		},
		Locales:       []string{"en", "es"},
		DefaultLocale: "en",
	}

	signer := session.NewSigner(cfg.SessionSecret, cfg.SessionTTL)
	tokens := csrf.NewManager(time.Hour)
	users := []domain.AdminUser{
		testutil.NewAdminUser(t, testutil.WithAdminEmail("root@example.com"), testutil.WithAdminRole(domain.RoleSuperAdmin)),
		testutil.NewAdminUser(t, testutil.WithAdminEmail("admin@example.com")),
	}
	authService := service.NewAuthService(users, signer, tokens)

	sink := &testutil.CapturingSink{}
	auditor := audit.NewDispatcher(sink, 64)
	t.Cleanup(auditor.Close)

	upstream := &upstreamRecorder{}
	deps := Deps{
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore()),
		Tokens:    tokens,
		Signer:    signer,
		Auth:      handler.NewAuthHandler(authService, false, auditor),
		CSRFToken: handler.NewCSRFHandler(tokens),
		Upstream:  upstream,
		Auditor:   auditor,
	}

	for _, opt := range opts {
		opt(cfg, &deps)
	}

	return &gateway{
		handler:  New(cfg, deps),
		upstream: upstream,
		sink:     sink,
		auditor:  auditor,
		signer:   signer,
		tokens:   tokens,
	}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

// login authenticates against the gateway and returns the session credential.
func (g *gateway) login(t *testing.T, email string) string {
	t.Helper()
	req := testutil.NewJSONRequest(t, http.MethodPost, "/admin/login", map[string]string{
		"email":    email,
		"password": testutil.TestPassword,
	})
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: status %d, body %s", email, rec.Code, rec.Body.String())
	}
	return testutil.AssertCookie(t, rec, session.CookieName).Value
}

// csrfToken fetches a token bound to the credential's session.
func (g *gateway) csrfToken(t *testing.T, credential string) string {
	t.Helper()
	req := testutil.NewRequestWithCookie(t, http.MethodGet, "/api/csrf-token", session.CookieName, credential)
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: status %d, body %s", rec.Code, rec.Body.String())
	}
	return testutil.DecodeJSON[handler.TokenResponse](t, rec).CSRFToken
}

func TestGateway_HealthAndMetricsServedAtTheEdge(t *testing.T) {
	gw := newGateway(t)

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.AssertJSONContains(t, rec, "status", "ok")

	rec = gw.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.AssertContains(t, rec.Body.String(), "# HELP")

	testutil.AssertEqual(t, gw.upstream.count(), 0)
}

func TestGateway_SecurityHeadersOnEveryResponse(t *testing.T) {
	gw := newGateway(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK},
		{"public page", http.MethodGet, "/pricing", http.StatusOK},
		{"forwarded api read", http.MethodGet, "/api/articles", http.StatusOK},
		{"csrf denial", http.MethodPost, "/api/articles", http.StatusForbidden},
		{"session redirect", http.MethodGet, "/admin/dashboard", http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := gw.do(httptest.NewRequest(tt.method, tt.path, nil))
			testutil.AssertStatusCode(t, rec, tt.wantStatus)
			testutil.AssertHeader(t, rec, "X-Frame-Options", "DENY")
			testutil.AssertHeader(t, rec, "X-Content-Type-Options", "nosniff")
			testutil.AssertHeader(t, rec, "Referrer-Policy", "strict-origin-when-cross-origin")
			testutil.AssertHeader(t, rec, "X-XSS-Protection", "1; mode=block")
			testutil.AssertHeader(t, rec, "Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		})
	}
}

func TestGateway_UpstreamHeaderValueWins(t *testing.T) {
	gw := newGateway(t)
	gw.upstream.serve = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
	}

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/embed/widget", nil))
	testutil.AssertHeader(t, rec, "X-Frame-Options", "SAMEORIGIN")
	testutil.AssertHeader(t, rec, "X-Content-Type-Options", "nosniff")
}

func TestGateway_PublicRequestsCarryLocale(t *testing.T) {
	gw := newGateway(t)

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/es/products", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	call, ok := gw.upstream.last()
	testutil.AssertTrue(t, ok, "request should reach the upstream")
	testutil.AssertEqual(t, call.Locale, "es")

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("Accept-Language", "es-AR,es;q=0.9")
	gw.do(req)
	call, _ = gw.upstream.last()
	testutil.AssertEqual(t, call.Locale, "es")

	gw.do(httptest.NewRequest(http.MethodGet, "/products", nil))
	call, _ = gw.upstream.last()
	testutil.AssertEqual(t, call.Locale, "en")
}

func TestGateway_StaticPathsSkipEveryGate(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 1, Window: 15 * time.Minute}
	})

	for i := 0; i < 5; i++ {
		rec := gw.do(httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
		testutil.AssertStatusCode(t, rec, http.StatusOK)
	}
	rec := gw.do(httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)

	testutil.AssertEqual(t, gw.upstream.count(), 6)
	call, _ := gw.upstream.last()
	testutil.AssertEqual(t, call.Locale, "")
}

func TestGateway_APIBudgetExhaustionAnswers429(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 2, Window: 15 * time.Minute}
	})

	for i := 0; i < 2; i++ {
		rec := gw.do(httptest.NewRequest(http.MethodGet, "/api/things", nil))
		testutil.AssertStatusCode(t, rec, http.StatusOK)
	}

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/api/things", nil))
	testutil.AssertStatusCode(t, rec, http.StatusTooManyRequests)
	testutil.AssertJSONContains(t, rec, "success", false)
	testutil.AssertJSONContains(t, rec, "error", "Rate limit exceeded")
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on a rate limit denial")
	}
}

func TestGateway_BudgetsArePerIdentity(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 1, Window: 15 * time.Minute}
	})

	send := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		return gw.do(req)
	}

	testutil.AssertStatusCode(t, send("203.0.113.7"), http.StatusOK)
	testutil.AssertStatusCode(t, send("203.0.113.7"), http.StatusTooManyRequests)
	testutil.AssertStatusCode(t, send("198.51.100.9"), http.StatusOK)
}

func TestGateway_UploadPathsDrawOnTheirOwnBudget(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 1, Window: 15 * time.Minute}
		cfg.Rates.Upload = config.ScopeLimit{Requests: 5, Window: 15 * time.Minute}
	})

	// Upload traffic must not spend the api budget.
	for i := 0; i < 3; i++ {
		rec := gw.do(httptest.NewRequest(http.MethodGet, "/api/upload/status", nil))
		testutil.AssertStatusCode(t, rec, http.StatusOK)
	}
	rec := gw.do(httptest.NewRequest(http.MethodGet, "/api/things", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
}

func TestGateway_UploadBurstCapAnswers429(t *testing.T) {
	guard := ratelimit.NewBurstGuard(1, 1)
	defer guard.Stop()
	gw := newGateway(t, func(_ *config.Config, deps *Deps) {
		deps.UploadBurst = guard
	})

	// First request clears both caps and is stopped further in by CSRF;
	// the second lands inside the same second and hits the burst cap.
	rec := gw.do(httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)

	rec = gw.do(httptest.NewRequest(http.MethodPost, "/api/upload", nil))
	testutil.AssertStatusCode(t, rec, http.StatusTooManyRequests)
	testutil.AssertHeader(t, rec, "Retry-After", "1")
	testutil.AssertJSONContains(t, rec, "error", "Rate limit exceeded")
}

func TestGateway_AdminRedirectsAnonymousToLogin(t *testing.T) {
	gw := newGateway(t)

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/admin/dashboard?tab=posts", nil))
	testutil.AssertStatusCode(t, rec, http.StatusFound)

	loc, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, loc.Path, "/admin/login")
	testutil.AssertEqual(t, loc.Query().Get("callbackUrl"), "/admin/dashboard?tab=posts")
	testutil.AssertEqual(t, loc.Query().Get("error"), "")
	testutil.AssertEqual(t, gw.upstream.count(), 0)
}

func TestGateway_ExpiredSessionRedirectsWithReason(t *testing.T) {
	gw := newGateway(t)

	shortLived := session.NewSigner(gatewaySecret, time.Nanosecond)
	credential, _, err := shortLived.Issue(testutil.NewAdminUser(t))
	testutil.AssertNoError(t, err)
	time.Sleep(10 * time.Millisecond)

	req := testutil.NewRequestWithCookie(t, http.MethodGet, "/admin/dashboard", session.CookieName, credential)
	rec := gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusFound)

	loc, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, loc.Path, "/admin/login")
	testutil.AssertEqual(t, loc.Query().Get("error"), "session_expired")
}

func TestGateway_LoginReachableWithoutSession(t *testing.T) {
	gw := newGateway(t)

	// The login page itself is forwarded, not gated.
	rec := gw.do(httptest.NewRequest(http.MethodGet, "/admin/login", nil))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.AssertEqual(t, gw.upstream.count(), 1)

	// Bad credentials are denied with the uniform body, never forwarded.
	req := testutil.NewJSONRequest(t, http.MethodPost, "/admin/login", map[string]string{
		"email":    "root@example.com",
		"password": "wrong",
	})
	rec = gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusUnauthorized)
	testutil.AssertJSONContains(t, rec, "error", "Invalid credentials")
	testutil.AssertEqual(t, gw.upstream.count(), 1)
}

func TestGateway_AdminMutationNeedsSessionAndToken(t *testing.T) {
	gw := newGateway(t)
	credential := gw.login(t, "root@example.com")
	token := gw.csrfToken(t, credential)

	// Token checks run before the session gate on mutations.
	req := testutil.NewRequestWithCookie(t, http.MethodPost, "/admin/posts", session.CookieName, credential)
	rec := gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
	testutil.AssertJSONContains(t, rec, "error", "CSRF token missing")

	req = testutil.NewRequestWithCookie(t, http.MethodPost, "/admin/posts", session.CookieName, credential)
	req.Header.Set("X-CSRF-Token", token)
	rec = gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusOK)

	call, ok := gw.upstream.last()
	testutil.AssertTrue(t, ok, "admitted mutation should be forwarded")
	testutil.AssertEqual(t, call.Method, http.MethodPost)
	testutil.AssertEqual(t, call.Path, "/admin/posts")
}

func TestGateway_CSRFTokenBoundToSession(t *testing.T) {
	gw := newGateway(t)
	first := gw.login(t, "root@example.com")
	second := gw.login(t, "admin@example.com")
	firstToken := gw.csrfToken(t, first)

	req := testutil.NewRequestWithCookie(t, http.MethodPost, "/admin/posts", session.CookieName, second)
	req.Header.Set("X-CSRF-Token", firstToken)
	rec := gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
	testutil.AssertJSONContains(t, rec, "error", "Invalid CSRF token")
}

func TestGateway_CSRFTokenEndpointNeedsSession(t *testing.T) {
	gw := newGateway(t)

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	testutil.AssertStatusCode(t, rec, http.StatusUnauthorized)
	testutil.AssertJSONContains(t, rec, "error", "Authentication required")
	if rec.Header().Get("Location") != "" {
		t.Error("API routes must answer JSON, not redirect")
	}
}

func TestGateway_UserManagementNeedsSuperAdmin(t *testing.T) {
	gw := newGateway(t)

	admin := gw.login(t, "admin@example.com")
	rec := gw.do(testutil.NewRequestWithCookie(t, http.MethodGet, "/admin/users", session.CookieName, admin))
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
	testutil.AssertJSONContains(t, rec, "error", "Forbidden")

	root := gw.login(t, "root@example.com")
	rec = gw.do(testutil.NewRequestWithCookie(t, http.MethodGet, "/admin/users/42", session.CookieName, root))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	call, _ := gw.upstream.last()
	testutil.AssertEqual(t, call.Path, "/admin/users/42")
}

func TestGateway_LogoutInvalidatesToken(t *testing.T) {
	gw := newGateway(t)
	credential := gw.login(t, "root@example.com")
	token := gw.csrfToken(t, credential)

	req := testutil.NewRequestWithCookie(t, http.MethodPost, "/admin/logout", session.CookieName, credential)
	req.Header.Set("X-CSRF-Token", token)
	rec := gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.AssertCookieCleared(t, rec, session.CookieName)

	// The token died with the session.
	req = testutil.NewRequestWithCookie(t, http.MethodPost, "/admin/posts", session.CookieName, credential)
	req.Header.Set("X-CSRF-Token", token)
	rec = gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
}

func TestGateway_APIAuthLoginExemptFromCSRF(t *testing.T) {
	gw := newGateway(t)

	rec := gw.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`)))
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	call, _ := gw.upstream.last()
	testutil.AssertEqual(t, call.Path, "/api/auth/login")

	// Other auth mutations still need a token.
	rec = gw.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
}

func TestGateway_APIAuthUsesTighterBudget(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.Auth = config.ScopeLimit{Requests: 2, Window: 15 * time.Minute}
	})

	for i := 0; i < 2; i++ {
		rec := gw.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		testutil.AssertStatusCode(t, rec, http.StatusOK)
	}
	rec := gw.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	testutil.AssertStatusCode(t, rec, http.StatusTooManyRequests)
}

func TestGateway_PublicAllowlistBypassesReadBudget(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 1, Window: 15 * time.Minute}
		cfg.PublicAPIAllowlist = []string{"/api/articles"}
	})

	// Mutations on the allowlisted path still count against the budget.
	rec := gw.do(httptest.NewRequest(http.MethodPost, "/api/articles", nil))
	testutil.AssertStatusCode(t, rec, http.StatusForbidden)
	rec = gw.do(httptest.NewRequest(http.MethodPost, "/api/articles", nil))
	testutil.AssertStatusCode(t, rec, http.StatusTooManyRequests)

	// Reads on the allowlist skip the now exhausted budget.
	for _, path := range []string{"/api/articles", "/api/articles/42"} {
		rec = gw.do(httptest.NewRequest(http.MethodGet, path, nil))
		testutil.AssertStatusCode(t, rec, http.StatusOK)
	}

	// A neighboring path does not.
	rec = gw.do(httptest.NewRequest(http.MethodGet, "/api/articles-admin", nil))
	testutil.AssertStatusCode(t, rec, http.StatusTooManyRequests)
}

func TestGateway_CORSAppliesToAPIOnly(t *testing.T) {
	gw := newGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	req.Header.Set("Origin", "http://app.example.com")
	rec := gw.do(req)
	testutil.AssertHeader(t, rec, "Access-Control-Allow-Origin", "http://app.example.com")

	// Preflight is answered at the edge, not forwarded.
	req = httptest.NewRequest(http.MethodOptions, "/api/things", nil)
	req.Header.Set("Origin", "http://app.example.com")
	before := gw.upstream.count()
	rec = gw.do(req)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	testutil.AssertEqual(t, gw.upstream.count(), before)

	// The public site is same-origin.
	req = httptest.NewRequest(http.MethodGet, "/pricing", nil)
	req.Header.Set("Origin", "http://app.example.com")
	rec = gw.do(req)
	testutil.AssertHeader(t, rec, "Access-Control-Allow-Origin", "")
}

func TestGateway_EmitsAuditTrail(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config, _ *Deps) {
		cfg.Rates.API = config.ScopeLimit{Requests: 1, Window: 15 * time.Minute}
	})

	gw.do(testutil.NewJSONRequest(t, http.MethodPost, "/admin/login", map[string]string{
		"email":    "root@example.com",
		"password": "wrong",
	}))
	gw.do(httptest.NewRequest(http.MethodPost, "/api/things", nil))
	gw.do(httptest.NewRequest(http.MethodGet, "/api/things", nil))

	gw.auditor.Close()

	kinds := gw.sink.Kinds()
	for _, want := range []string{audit.KindLoginFailed, audit.KindCSRFRejected, audit.KindRateLimitDenied} {
		found := false
		for _, kind := range kinds {
			if kind == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("audit trail %v missing %q", kinds, want)
		}
	}
}

func TestGateway_PanicAnswers500WithHeaders(t *testing.T) {
	gw := newGateway(t)
	gw.upstream.serve = func(w http.ResponseWriter, r *http.Request) {
		panic("upstream blew up")
	}

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/pricing", nil))
	testutil.AssertStatusCode(t, rec, http.StatusInternalServerError)
	testutil.AssertHeader(t, rec, "X-Frame-Options", "DENY")
}
