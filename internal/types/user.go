package types

// Roles recognized by the config services.
const (
	RoleSuperadmin  = "superadmin"
	RoleTenantAdmin = "tenant_admin"
)

// UserContext identifies the caller for access-control decisions.
//
// A nil *UserContext means auth is disabled for this deployment and the
// caller acts as a system operator with full access. SystemOperator makes
// that sentinel explicit instead of passing nil around.
type UserContext struct {
	Subject  string
	Roles    []string
	TenantID string
	// Operator is set on the SystemOperator sentinel only.
	Operator bool
}

// SystemOperator is the caller used when authentication is disabled.
// It behaves exactly like a superadmin.
func SystemOperator() *UserContext {
	return &UserContext{Subject: "system", Operator: true}
}

// Normalize maps a nil context to the SystemOperator sentinel so the
// services never branch on nil.
func Normalize(user *UserContext) *UserContext {
	if user == nil {
		return SystemOperator()
	}
	return user
}

// IsSuperadmin reports whether the caller has unrestricted access.
func (u *UserContext) IsSuperadmin() bool {
	if u == nil || u.Operator {
		return true
	}
	return u.HasRole(RoleSuperadmin)
}

// IsTenantAdmin reports whether the caller administers its own tenant.
func (u *UserContext) IsTenantAdmin() bool {
	return u != nil && !u.Operator && u.HasRole(RoleTenantAdmin) && u.TenantID != ""
}

// HasRole reports whether the caller carries the given role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
