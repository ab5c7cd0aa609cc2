// Package identity derives a per-caller identifier from request metadata.
// The identifier is advisory: forwarding headers are spoofable, so it is
// only ever used for coarse rate-limit bucketing, never for authorization.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no usable address can be derived.
const Unknown = "unknown"

// Resolve returns the client identity for a request. Precedence: first entry
// of X-Forwarded-For, then X-Real-IP, then the transport source address.
// It always returns a non-empty string.
func Resolve(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}

	return Unknown
}
