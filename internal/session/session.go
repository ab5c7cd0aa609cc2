// Package session mints and verifies the signed credential carried in the
// admin session cookie.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edgegate/internal/domain"
)

// CookieName is the cookie that carries the signed session credential.
const CookieName = "admin_session"

const issuer = "edgegate"

var (
	ErrTokenMissing = errors.New("session token missing")
	ErrTokenInvalid = errors.New("invalid session token")
	ErrTokenExpired = errors.New("session expired")
)

// Claims is the JWT payload of a session credential.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Context is a verified session attached to a request.
type Context struct {
	Subject   string
	Role      domain.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer mints and verifies session credentials with a shared HMAC secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer whose credentials expire after ttl. A
// non-positive ttl falls back to 24 hours.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Issue mints a signed credential for the user and returns it with its
// expiry.
func (s *Signer) Issue(user domain.AdminUser) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks the raw credential and returns the session it carries.
// Failures map to the package sentinels so callers can distinguish an
// expired session from a forged or malformed one. A bad signature wins
// over expiry: an expired token we never signed is still invalid.
func (s *Signer) Verify(raw string) (*Context, error) {
	if raw == "" {
		return nil, ErrTokenMissing
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalid
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenInvalid
		}
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	role, ok := domain.ParseRole(claims.Role)
	if !ok {
		return nil, ErrTokenInvalid
	}

	sc := &Context{
		Subject:   claims.Subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		sc.IssuedAt = claims.IssuedAt.Time
	}
	return sc, nil
}

// ReadCookie returns the raw credential from the request cookie, or ""
// when the cookie is absent.
func ReadCookie(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Key derives the server-side key that binds CSRF tokens to a session
// credential. The raw credential never leaves the cookie; stores see only
// the digest.
func Key(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
