package handler

import (
	"encoding/json"
	"net/http"

	"edgegate/internal/csrf"
	"edgegate/internal/session"
)

// CSRFHandler serves per-session CSRF tokens to authenticated callers.
type CSRFHandler struct {
	tokens *csrf.Manager
}

// NewCSRFHandler creates a new CSRF token handler
func NewCSRFHandler(tokens *csrf.Manager) *CSRFHandler {
	return &CSRFHandler{tokens: tokens}
}

// TokenResponse represents a minted CSRF token
type TokenResponse struct {
	Success   bool   `json:"success"`
	CSRFToken string `json:"csrfToken"`
}

// Issue mints the token bound to the caller's session, replacing any
// previous one. The session gate fronts this route, so a request without a
// valid session cookie never reaches here.
func (h *CSRFHandler) Issue(w http.ResponseWriter, r *http.Request) {
	raw := session.ReadCookie(r)
	if raw == "" {
		http.Error(w, `{"success": false, "error": "Authentication required"}`, http.StatusUnauthorized)
		return
	}

	token, _, err := h.tokens.Issue(session.Key(raw))
	if err != nil {
		http.Error(w, `{"success": false, "error": "Failed to issue token"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{Success: true, CSRFToken: token})
}
