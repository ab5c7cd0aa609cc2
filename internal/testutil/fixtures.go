package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"edgegate/internal/domain"
)

// TestPassword is the plaintext behind every fixture hash.
const TestPassword = "correct-horse-battery"

// Counter for generating unique fixture emails
var idCounter atomic.Int64

// AdminOptions allows customizing admin account fixture creation
type AdminOptions struct {
	Email        string
	Role         domain.Role
	PasswordHash string
}

// NewAdminUser creates an operator account fixture with sensible defaults.
// The password hash matches TestPassword at the cheapest bcrypt cost so
// suites stay fast.
func NewAdminUser(t *testing.T, opts ...func(*AdminOptions)) domain.AdminUser {
	t.Helper()
	o := &AdminOptions{
		Email: fmt.Sprintf("admin%d@example.com", idCounter.Add(1)),
		Role:  domain.RoleAdmin,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.PasswordHash == "" {
		o.PasswordHash = HashPassword(t, TestPassword)
	}

	return domain.AdminUser{
		Email:        o.Email,
		Role:         o.Role,
		PasswordHash: o.PasswordHash,
	}
}

// WithAdminEmail sets the account email
func WithAdminEmail(email string) func(*AdminOptions) {
	return func(o *AdminOptions) {
		o.Email = email
	}
}

// WithAdminRole sets the account role
func WithAdminRole(role domain.Role) func(*AdminOptions) {
	return func(o *AdminOptions) {
		o.Role = role
	}
}

// WithAdminPassword hashes and sets a specific password
func WithAdminPassword(t *testing.T, password string) func(*AdminOptions) {
	hash := HashPassword(t, password)
	return func(o *AdminOptions) {
		o.PasswordHash = hash
	}
}

// HashPassword hashes a password at the cheapest bcrypt cost
func HashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing fixture password: %v", err)
	}
	return string(hash)
}
