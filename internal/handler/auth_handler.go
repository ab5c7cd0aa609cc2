package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"edgegate/internal/audit"
	"edgegate/internal/middleware"
	"edgegate/internal/service"
	"edgegate/internal/session"
)

// AuthHandler handles the admin login and logout endpoints
type AuthHandler struct {
	authService   *service.AuthService
	secureCookies bool
	auditor       *audit.Dispatcher
}

// NewAuthHandler creates a new authentication handler. secureCookies should
// follow the base URL scheme so local http setups still get a cookie.
func NewAuthHandler(authService *service.AuthService, secureCookies bool, auditor *audit.Dispatcher) *AuthHandler {
	return &AuthHandler{
		authService:   authService,
		secureCookies: secureCookies,
		auditor:       auditor,
	}
}

// LoginRequest represents login request
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginUser is the account echo in a successful login response
type LoginUser struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success   bool      `json:"success"`
	User      LoginUser `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login verifies the posted credentials and sets the session cookie. Every
// failure answers 401 with the same body so callers cannot probe which
// accounts exist.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"success": false, "error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	credential, expiresAt, user, err := h.authService.Login(req.Email, req.Password)
	if err != nil {
		h.auditor.Record(&audit.Event{
			Kind:     audit.KindLoginFailed,
			Identity: middleware.GetIdentity(r.Context()),
			Method:   r.Method,
			Path:     r.URL.Path,
			Reason:   "invalid_credentials",
		})
		http.Error(w, `{"success": false, "error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    credential,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	h.auditor.Record(&audit.Event{
		Kind:     audit.KindLoginSucceeded,
		Identity: middleware.GetIdentity(r.Context()),
		Method:   r.Method,
		Path:     r.URL.Path,
		Subject:  user.Email,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{
		Success:   true,
		User:      LoginUser{Email: user.Email, Role: string(user.Role)},
		ExpiresAt: expiresAt,
	})
}

// Logout invalidates the session's CSRF token and clears the cookie. It is
// deliberately idempotent: logging out twice is not an error.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := session.ReadCookie(r)
	h.authService.Logout(raw)

	if sc, ok := middleware.GetSession(r.Context()); ok {
		h.auditor.Record(&audit.Event{
			Kind:     audit.KindLogout,
			Identity: middleware.GetIdentity(r.Context()),
			Method:   r.Method,
			Path:     r.URL.Path,
			Subject:  sc.Subject,
		})
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
