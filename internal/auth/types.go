package auth

import "time"

// User is the slice of the account record the auth core reads. The full
// user profile is owned by the users module.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GlobalRole grants a named role across every module of the tenant.
// One assignment per (user, role).
type GlobalRole struct {
	UserID    string
	Role      string
	GrantedBy string
	GrantedAt time.Time
}

// ModuleRole scopes a role to a single business module. The role name is
// stored without the "internal." prefix; lookups normalize either form.
// One assignment per (user, module, role).
type ModuleRole struct {
	UserID    string
	Module    string
	RoleName  string
	GrantedBy string
	GrantedAt time.Time
}

// DelegatedPermission is a single permission string handed to a user by
// a module manager. Rows are never deleted; revocation sets RevokedAt so
// the grant history stays auditable.
type DelegatedPermission struct {
	ID         string
	UserID     string
	GrantedBy  string
	Module     string
	Permission string
	GrantedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// Active reports whether the delegation still conveys authority at now.
func (d DelegatedPermission) Active(now time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return false
	}
	return true
}

// RefreshCredential is the stored shape of an issued refresh token. Only
// the hash is persisted; the plaintext token exists client-side only.
type RefreshCredential struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Live reports whether the credential is neither revoked nor expired.
func (c RefreshCredential) Live(now time.Time) bool {
	return c.RevokedAt == nil && c.ExpiresAt.After(now)
}

// TokenPair carries both freshly minted credentials back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
