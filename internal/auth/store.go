package auth

import (
	"context"
	"time"
)

// UserStore is the read-only slice of the users module this core needs.
type UserStore interface {
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
}

// RoleStore persists global and module role assignments.
type RoleStore interface {
	GlobalRoles(ctx context.Context, userID string) ([]GlobalRole, error)
	AssignGlobalRole(ctx context.Context, assignment GlobalRole) error
	RemoveGlobalRole(ctx context.Context, userID, role string) error

	ModuleRoles(ctx context.Context, userID string) ([]ModuleRole, error)
	AssignModuleRole(ctx context.Context, assignment ModuleRole) error
	RemoveModuleRole(ctx context.Context, userID, module, roleName string) error
}

// DelegationStore persists delegated permissions. Rows are append-only;
// revocation stamps RevokedAt and never deletes.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, d *DelegatedPermission) error
	DelegationByID(ctx context.Context, id string) (*DelegatedPermission, error)
	ActiveDelegationsByUser(ctx context.Context, userID string) ([]DelegatedPermission, error)
	RevokeDelegation(ctx context.Context, id string, revokedAt time.Time) error
	RevokeAllDelegations(ctx context.Context, userID string, revokedAt time.Time) (int, error)
}

// RefreshCredentialStore persists hashed refresh credentials.
//
// RotateRefreshCredential must revoke the predecessor and insert the
// successor atomically, and must claim the predecessor conditionally
// (only if still unrevoked): of two concurrent rotations of the same
// token exactly one gets true.
type RefreshCredentialStore interface {
	CreateRefreshCredential(ctx context.Context, cred *RefreshCredential) error
	LiveRefreshCredentials(ctx context.Context, userID string) ([]RefreshCredential, error)
	RevokeRefreshCredential(ctx context.Context, id string) (bool, error)
	RotateRefreshCredential(ctx context.Context, predecessorID string, next *RefreshCredential) (bool, error)
	RevokeAllRefreshCredentials(ctx context.Context, userID string) (int, error)
	DeleteExpiredRefreshCredentials(ctx context.Context, olderThan time.Time) (int, error)
}

// Cache is the key/value snapshot cache consumed by the resolver. A nil
// Cache is valid; the resolver then recomputes on every call.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RateLimiter bounds login attempts per client key. Allow is consulted
// before password verification; Observe records the outcome afterwards.
type RateLimiter interface {
	Allow(key string) bool
	Observe(key string, ok bool)
}
