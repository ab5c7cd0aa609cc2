// Package csrf issues and validates per-session CSRF tokens.
// Tokens are cryptographically random and stored server-side keyed by
// session. Verification is a constant-time comparison against the stored
// value, not a cryptographic signature.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	cache "github.com/patrickmn/go-cache"
)

var (
	ErrTokenMissing = errors.New("csrf token missing")
	ErrTokenInvalid = errors.New("invalid csrf token")
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 24 * time.Hour

const cleanupInterval = 10 * time.Minute

// Manager holds one live token per session. Issuing again for the same
// session replaces the previous token. Expired entries are dropped lazily
// on lookup and swept periodically by the cache janitor.
type Manager struct {
	tokens *cache.Cache
	ttl    time.Duration
}

// NewManager creates a manager whose tokens expire after ttl. A
// non-positive ttl falls back to DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		tokens: cache.New(ttl, cleanupInterval),
		ttl:    ttl,
	}
}

// Issue generates a fresh token for the session and returns it with its
// expiry. Any previously issued token for the session stops validating.
func (m *Manager) Issue(sessionKey string) (string, time.Time, error) {
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := time.Now().Add(m.ttl)
	m.tokens.Set(sessionKey, token, m.ttl)

	return token, expiresAt, nil
}

// Validate checks the presented token against the one stored for the
// session. It returns ErrTokenMissing when no token was presented and
// ErrTokenInvalid when the presented token does not match a live one.
func (m *Manager) Validate(sessionKey, presented string) error {
	if presented == "" {
		return ErrTokenMissing
	}

	stored, found := m.tokens.Get(sessionKey)
	if !found {
		return ErrTokenInvalid
	}
	expected, ok := stored.(string)
	if !ok {
		return ErrTokenInvalid
	}

	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return ErrTokenInvalid
	}
	return nil
}

// Invalidate drops the session's token, if any.
func (m *Manager) Invalidate(sessionKey string) {
	m.tokens.Delete(sessionKey)
}

// generateToken creates a cryptographically secure random token (256 bits)
// returned as a 64-character hex string.
func generateToken() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(randomBytes), nil
}
