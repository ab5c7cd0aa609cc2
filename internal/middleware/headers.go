package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// securityHeaders are applied to every response the gate produces or
// forwards, whatever the admission outcome.
var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
}

// SecurityHeaders injects the baseline hardening headers into every
// response. Headers are applied when the response status is written, so a
// value set by an inner handler or the upstream application wins over the
// default.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerWriter{ResponseWriter: w}, r)
		})
	}
}

// ApplySecurityHeaders sets each hardening header on h unless already
// present.
func ApplySecurityHeaders(h http.Header) {
	for _, kv := range securityHeaders {
		if h.Get(kv[0]) == "" {
			h.Set(kv[0], kv[1])
		}
	}
}

type headerWriter struct {
	http.ResponseWriter
	applied bool
}

func (hw *headerWriter) WriteHeader(statusCode int) {
	hw.apply()
	hw.ResponseWriter.WriteHeader(statusCode)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	hw.apply()
	return hw.ResponseWriter.Write(b)
}

func (hw *headerWriter) apply() {
	if hw.applied {
		return
	}
	hw.applied = true
	ApplySecurityHeaders(hw.Header())
}

func (hw *headerWriter) Flush() {
	if flusher, ok := hw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (hw *headerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := hw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("responsewriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
