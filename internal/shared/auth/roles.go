package auth

import "net/http"

// Role represents a user role in the system.
type Role string

const (
	RoleAdmin   Role = "admin"   // Quota administration, emergency reset
	RoleCoder   Role = "coder"   // Runs extractions
	RoleAuditor Role = "auditor" // Read-only usage and terminology access
)

// Permission represents a specific action on a resource.
type Permission string

const (
	PermExtract         Permission = "extract.run"
	PermUsageRead       Permission = "usage.read"
	PermUsageReset      Permission = "usage.reset"
	PermTerminologyRead Permission = "terminology.read"
)

// RolePermissions maps roles to their default permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermExtract, PermUsageRead, PermUsageReset, PermTerminologyRead,
	},
	RoleCoder: {
		PermExtract, PermUsageRead, PermTerminologyRead,
	},
	RoleAuditor: {
		PermUsageRead, PermTerminologyRead,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Can reports whether any of the user's roles grants perm.
func (u *User) Can(perm Permission) bool {
	for _, r := range u.Roles {
		if HasPermission(Role(r), perm) {
			return true
		}
	}
	return false
}

// RequirePermission creates middleware that requires perm through one of
// the user's roles.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !user.Can(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
