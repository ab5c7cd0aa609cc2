package service

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"edgegate/internal/csrf"
	"edgegate/internal/domain"
	"edgegate/internal/session"
)

// AuthService authenticates operator accounts and mints their session
// credentials. Accounts come from configuration; there is no user store.
type AuthService struct {
	users  []domain.AdminUser
	signer *session.Signer
	tokens *csrf.Manager
}

func NewAuthService(users []domain.AdminUser, signer *session.Signer, tokens *csrf.Manager) *AuthService {
	return &AuthService{
		users:  users,
		signer: signer,
		tokens: tokens,
	}
}

// Login verifies the credentials and returns a signed session credential
// with its expiry. Every failure, including malformed input and a corrupt
// configured hash, reads as domain.ErrInvalidCredentials.
func (s *AuthService) Login(email, password string) (string, time.Time, *domain.AdminUser, error) {
	if email == "" || password == "" || len(email) > 255 || len(password) > 100 {
		return "", time.Time{}, nil, domain.ErrInvalidCredentials
	}

	user, ok := s.lookup(email)
	if !ok {
		return "", time.Time{}, nil, domain.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(user.PasswordHash), []byte(password),
	); err != nil {
		return "", time.Time{}, nil, domain.ErrInvalidCredentials
	}

	credential, expiresAt, err := s.signer.Issue(user)
	if err != nil {
		return "", time.Time{}, nil, err
	}

	return credential, expiresAt, &user, nil
}

// Logout drops the CSRF token bound to the credential, if any. The
// credential itself expires on its own; the cookie is cleared by the
// handler.
func (s *AuthService) Logout(rawCredential string) {
	if rawCredential == "" {
		return
	}
	s.tokens.Invalidate(session.Key(rawCredential))
}

func (s *AuthService) lookup(email string) (domain.AdminUser, bool) {
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, true
		}
	}
	return domain.AdminUser{}, false
}
