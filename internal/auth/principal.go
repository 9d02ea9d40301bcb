package auth

// Principal is an authenticated user together with the role and
// permission snapshot taken from their access credential. The snapshot
// is authoritative for the lifetime of one request; it is not
// re-resolved mid-request.
type Principal struct {
	User        *User
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal constructs a principal from a permission list.
func NewPrincipal(user *User, roles, permissions []string) Principal {
	return Principal{User: user, Roles: roles, Permissions: set(permissions...)}
}

// HasPermission reports whether the snapshot satisfies the required
// permission, honoring the catalog wildcard grammar.
func (p Principal) HasPermission(required string) bool {
	return Match(p.Permissions, required)
}

// HasRole reports whether the principal holds the global role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
