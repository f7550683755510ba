package auth

import "context"

// Principal is an authenticated administrator with resolved permissions.
type Principal struct {
	Subject     string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal resolves the permissions granted by roles.
func NewPrincipal(subject string, roles []string) Principal {
	roles = normalizeRoles(roles)
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			set[perm] = struct{}{}
		}
	}
	return Principal{Subject: subject, Roles: roles, Permissions: set}
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// Allowed resolves the principal stored in ctx and checks key.
func Allowed(ctx context.Context, key string) bool {
	subject, ok := UserIDFromContext(ctx)
	if !ok {
		return false
	}
	return NewPrincipal(subject, RolesFromContext(ctx)).HasPermission(key)
}
