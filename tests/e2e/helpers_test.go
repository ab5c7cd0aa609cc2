//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgegate/internal/session"
)

// identitySeq distinguishes rate-limit buckets between tests. Every client
// pins its own X-Forwarded-For value so one test's traffic cannot exhaust
// another's budget.
var identitySeq atomic.Int64

// uniqueIdentity returns a forwarded identity no other client has used.
func uniqueIdentity(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, identitySeq.Add(1))
}

// TestClient drives the gateway as one caller: a fixed forwarded identity,
// at most one session cookie, and the CSRF token minted for that session.
// Redirects are not followed so tests can inspect Location headers.
type TestClient struct {
	*http.Client
	t        *testing.T
	identity string
	session  *http.Cookie
	csrf     string
}

// newTestClient creates a client with a fresh identity.
func newTestClient(t *testing.T, prefix string) *TestClient {
	return &TestClient{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		t:        t,
		identity: uniqueIdentity(prefix),
	}
}

// Request issues one request through the gateway with the client's
// identity, session cookie, and CSRF token attached.
func (tc *TestClient) Request(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-Forwarded-For", tc.identity)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.session != nil {
		req.AddCookie(tc.session)
	}
	if tc.csrf != "" {
		req.Header.Set("X-CSRF-Token", tc.csrf)
	}

	return tc.Do(req)
}

// Get issues a GET request through the gateway.
func (tc *TestClient) Get(path string) (*http.Response, error) {
	return tc.Request(http.MethodGet, path, nil)
}

// Login authenticates against the gateway's login endpoint and keeps the
// returned session cookie for later requests.
func (tc *TestClient) Login(email, password string) (*LoginResult, error) {
	resp, err := tc.Request(http.MethodPost, "/admin/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			tc.session = c
		}
	}
	if tc.session == nil {
		return nil, fmt.Errorf("login response carried no %s cookie", session.CookieName)
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	return &result, nil
}

// FetchCSRFToken mints the token bound to the client's session and attaches
// it to subsequent requests.
func (tc *TestClient) FetchCSRFToken() (string, error) {
	resp, err := tc.Get("/api/csrf-token")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token fetch failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result TokenResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	tc.csrf = result.CSRFToken
	return result.CSRFToken, nil
}

// Logout ends the session; the client drops its cookie and token on success.
func (tc *TestClient) Logout() error {
	resp, err := tc.Request(http.MethodPost, "/admin/logout", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logout failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	tc.session = nil
	tc.csrf = ""
	return nil
}

// loginAs returns a client authenticated as the given fixture account with
// a fresh CSRF token already attached.
func loginAs(t *testing.T, prefix, email string) *TestClient {
	t.Helper()

	tc := newTestClient(t, prefix)
	if _, err := tc.Login(email, adminPassword); err != nil {
		t.Fatalf("failed to login %s: %v", email, err)
	}
	if _, err := tc.FetchCSRFToken(); err != nil {
		t.Fatalf("failed to fetch CSRF token for %s: %v", email, err)
	}

	return tc
}

// Response types
type LoginResult struct {
	Success bool `json:"success"`
	User    struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

type TokenResult struct {
	Success   bool   `json:"success"`
	CSRFToken string `json:"csrfToken"`
}

type DenialBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// decodeDenial reads a denial response body. The caller still owns the
// response and must close it.
func decodeDenial(t *testing.T, resp *http.Response) DenialBody {
	t.Helper()

	var body DenialBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode denial body: %v", err)
	}
	return body
}

// Backend recorder

// backendCall is one request observed by the fake upstream application.
type backendCall struct {
	Method        string
	Path          string
	Query         string
	Locale        string
	ForwardedHost string
}

// backendRecorder is the upstream application: it records every call the
// gateway forwards and echoes the method and path in its response body.
type backendRecorder struct {
	mu    sync.Mutex
	calls []backendCall
	srv   *httptest.Server
}

func newBackendRecorder() *backendRecorder {
	b := &backendRecorder{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls = append(b.calls, backendCall{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Locale:        r.Header.Get("X-Locale"),
			ForwardedHost: r.Header.Get("X-Forwarded-Host"),
		})
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "backend: %s %s", r.Method, r.URL.Path)
	}))
	return b
}

func (b *backendRecorder) URL() string { return b.srv.URL }

func (b *backendRecorder) Close() { b.srv.Close() }

func (b *backendRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// last returns the most recent forwarded call. The proxy completes the
// backend round trip before answering the client, so after a gateway
// response arrives the call it produced is the last one recorded.
func (b *backendRecorder) last() (backendCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return backendCall{}, false
	}
	return b.calls[len(b.calls)-1], true
}

// Test helpers

// assertNoError fails the test if err is not nil
func assertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// assertEqual checks if two values are equal
func assertEqual[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", msg, got, want)
	}
}

// assertStatus checks the response status code
func assertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("status: got %d, want %d", resp.StatusCode, want)
	}
}

// assertHeader checks a response header value
func assertHeader(t *testing.T, resp *http.Response, key, want string) {
	t.Helper()
	if got := resp.Header.Get(key); got != want {
		t.Errorf("header %s: got %q, want %q", key, got, want)
	}
}
