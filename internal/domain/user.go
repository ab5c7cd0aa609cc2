package domain

import "strings"

// Role is the authorization level carried by an admin session.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleEditor     Role = "EDITOR"
)

// ParseRole maps a configured role name onto a Role, case-insensitively.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleSuperAdmin:
		return RoleSuperAdmin, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleEditor:
		return RoleEditor, true
	default:
		return "", false
	}
}

// AdminUser is an operator account allowed through the admin gate. Accounts
// are configured, not stored; content data lives with the wrapped application.
type AdminUser struct {
	Email        string `json:"email"`
	Role         Role   `json:"role"`
	PasswordHash string `json:"-"`
}
