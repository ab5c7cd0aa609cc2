// Package testutil carries the shared assertion helpers and fixtures used
// across the admission pipeline's tests.
package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertErrorIs fails the test if err does not match the expected error
func AssertErrorIs(t *testing.T, err, expected error) {
	t.Helper()
	if !errors.Is(err, expected) {
		t.Errorf("expected error %v, got: %v", expected, err)
	}
}

// AssertEqual fails the test if got != want
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("expected true: %s", msg)
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Errorf("expected false: %s", msg)
	}
}

// AssertContains fails if s does not contain substring
func AssertContains(t *testing.T, s, substring string) {
	t.Helper()
	if !strings.Contains(s, substring) {
		t.Errorf("expected %q to contain %q", s, substring)
	}
}

// HTTP Test Helpers

// AssertStatusCode fails if the response status code doesn't match expected
func AssertStatusCode(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertHeader fails if the response header doesn't match expected value
func AssertHeader(t *testing.T, w *httptest.ResponseRecorder, key, expected string) {
	t.Helper()
	got := w.Header().Get(key)
	if got != expected {
		t.Errorf("header %q: got %q, want %q", key, got, expected)
	}
}

// AssertJSONContains fails if the JSON response doesn't contain the expected key-value pair
func AssertJSONContains(t *testing.T, w *httptest.ResponseRecorder, key string, expected interface{}) {
	t.Helper()

	var result map[string]interface{}
	body := w.Body.String()
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to decode JSON response: %v. Body: %s", err, body)
	}

	got, ok := result[key]
	if !ok {
		t.Errorf("JSON response missing key %q. Body: %s", key, body)
		return
	}

	if !reflect.DeepEqual(got, expected) {
		t.Errorf("JSON key %q: got %v (%T), want %v (%T)", key, got, got, expected, expected)
	}
}

// AssertCookie fails if the response doesn't have a cookie with the expected name
func AssertCookie(t *testing.T, w *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	cookies := w.Result().Cookies()
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	t.Errorf("expected cookie %q not found", name)
	return nil
}

// AssertCookieCleared fails unless the response clears the named cookie
func AssertCookieCleared(t *testing.T, w *httptest.ResponseRecorder, name string) {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			if c.Value != "" || c.MaxAge >= 0 {
				t.Errorf("cookie %q not cleared: value %q, max-age %d", name, c.Value, c.MaxAge)
			}
			return
		}
	}
	t.Errorf("expected clearing Set-Cookie for %q, found none", name)
}

// Request Helpers

// NewJSONRequest creates a new HTTP request with JSON body
func NewJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// NewRequestWithCookie creates a new HTTP request with a session cookie
func NewRequestWithCookie(t *testing.T, method, url, cookieName, cookieValue string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	req.AddCookie(&http.Cookie{
		Name:  cookieName,
		Value: cookieValue,
	})
	return req
}

// DecodeJSON decodes JSON response body into the given struct
func DecodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var result T
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode JSON response: %v. Body: %s", err, w.Body.String())
	}
	return result
}
