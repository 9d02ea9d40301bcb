package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/ids"
)

// manageUsersSuffix is the per-module management permission required to
// delegate within a module, and the one permission that is itself never
// delegable.
const manageUsersSuffix = ".manage_users"

// globalRevokePermission lets holders revoke delegations they did not
// grant themselves.
const globalRevokePermission = "auth.manage_users"

// DelegationGuard enforces who may grant or revoke a delegated
// permission and which permissions are delegable. All delegation rows
// are created through it; callers never write them directly.
type DelegationGuard struct {
	resolver    *Resolver
	delegations DelegationStore
	users       UserStore
	sink        audit.Sink
	now         func() time.Time
}

// GuardOption configures DelegationGuard behavior.
type GuardOption func(*DelegationGuard)

// WithGuardClock overrides the guard time source (tests).
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *DelegationGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithGuardAudit attaches an audit sink for grant/revoke events.
func WithGuardAudit(sink audit.Sink) GuardOption {
	return func(g *DelegationGuard) {
		if sink != nil {
			g.sink = sink
		}
	}
}

// NewDelegationGuard constructs the guard.
func NewDelegationGuard(resolver *Resolver, delegations DelegationStore, users UserStore, opts ...GuardOption) *DelegationGuard {
	g := &DelegationGuard{
		resolver:    resolver,
		delegations: delegations,
		users:       users,
		sink:        audit.NopSink{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grant delegates a permission to targetID on behalf of granterID.
//
// The granter must hold {module}.manage_users. The permission must
// belong to the module, must not be any *.manage_users, and must not
// live in a reserved global namespace (auth.*, system.*).
func (g *DelegationGuard) Grant(ctx context.Context, granterID, targetID, module, permission string, expiresAt *time.Time) (*DelegatedPermission, error) {
	module = strings.ToLower(strings.TrimSpace(module))
	permission = strings.TrimSpace(permission)
	if module == "" || permission == "" {
		return nil, fmt.Errorf("%w: module and permission are required", ErrInvalidPermission)
	}

	granterPerms, err := g.resolver.EffectivePermissions(ctx, granterID)
	if err != nil {
		return nil, err
	}
	required := module + manageUsersSuffix
	if !Match(granterPerms, required) {
		return nil, fmt.Errorf("%w: missing %s", ErrPermissionDenied, required)
	}

	if strings.HasSuffix(permission, manageUsersSuffix) {
		return nil, fmt.Errorf("%w: manage_users is not delegable", ErrInvalidPermission)
	}
	if strings.HasPrefix(permission, reservedAuthPrefix) || strings.HasPrefix(permission, reservedSystemPrefix) {
		return nil, fmt.Errorf("%w: reserved namespace", ErrInvalidPermission)
	}
	if !strings.HasPrefix(permission, module+".") {
		return nil, fmt.Errorf("%w: %s does not belong to module %s", ErrInvalidPermission, permission, module)
	}

	now := g.now().UTC()
	delegation := &DelegatedPermission{
		ID:         ids.New(),
		UserID:     targetID,
		GrantedBy:  granterID,
		Module:     module,
		Permission: permission,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := g.delegations.CreateDelegation(ctx, delegation); err != nil {
		return nil, err
	}
	if err := g.resolver.Invalidate(ctx, targetID); err != nil {
		return nil, err
	}
	g.audit(ctx, granterID, "auth.permission.granted", "permission", delegation.ID, map[string]any{
		"target_user_id": targetID,
		"module":         module,
		"permission":     permission,
	})
	return delegation, nil
}

// Revoke revokes a single delegation. The revoker must be the original
// granter or hold global user-management authority. Revoking an already
// revoked delegation succeeds (idempotent).
func (g *DelegationGuard) Revoke(ctx context.Context, delegationID, revokerID string) error {
	delegation, err := g.delegations.DelegationByID(ctx, delegationID)
	if err != nil {
		return err
	}
	if delegation.RevokedAt != nil {
		return nil
	}
	if delegation.GrantedBy != revokerID {
		revokerPerms, err := g.resolver.EffectivePermissions(ctx, revokerID)
		if err != nil {
			return err
		}
		if !Match(revokerPerms, globalRevokePermission) {
			return fmt.Errorf("%w: not the granter and missing %s", ErrPermissionDenied, globalRevokePermission)
		}
	}
	if err := g.delegations.RevokeDelegation(ctx, delegationID, g.now().UTC()); err != nil {
		return err
	}
	if err := g.resolver.Invalidate(ctx, delegation.UserID); err != nil {
		return err
	}
	g.audit(ctx, revokerID, "auth.permission.revoked", "permission", delegationID, map[string]any{
		"target_user_id": delegation.UserID,
		"module":         delegation.Module,
		"permission":     delegation.Permission,
		"granted_by":     delegation.GrantedBy,
	})
	return nil
}

// RevokeAll revokes every active delegation the target holds and returns
// the number of rows transitioned. The revoker needs global
// user-management authority or an owner/admin global role.
func (g *DelegationGuard) RevokeAll(ctx context.Context, targetID, revokerID string) (int, error) {
	authorized := false
	revokerPerms, err := g.resolver.EffectivePermissions(ctx, revokerID)
	if err != nil {
		return 0, err
	}
	if Match(revokerPerms, globalRevokePermission) {
		authorized = true
	} else {
		roles, err := g.resolver.GlobalRoleNames(ctx, revokerID)
		if err != nil {
			return 0, err
		}
		for _, role := range roles {
			if role == "owner" || role == "admin" {
				authorized = true
				break
			}
		}
	}
	if !authorized {
		return 0, fmt.Errorf("%w: missing %s", ErrPermissionDenied, globalRevokePermission)
	}

	count, err := g.delegations.RevokeAllDelegations(ctx, targetID, g.now().UTC())
	if err != nil {
		return 0, err
	}
	if err := g.resolver.Invalidate(ctx, targetID); err != nil {
		return count, err
	}
	g.audit(ctx, revokerID, "auth.permission.revoked_all", "user", targetID, map[string]any{
		"revoked_count": count,
	})
	return count, nil
}

func (g *DelegationGuard) audit(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) {
	entry := audit.Entry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		OccurredAt:   g.now().UTC(),
	}
	if g.users != nil {
		if actor, err := g.users.UserByID(ctx, actorID); err == nil {
			entry.TenantID = actor.TenantID
		}
	}
	_ = g.sink.Append(ctx, entry)
}
