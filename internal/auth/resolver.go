package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const (
	permCacheKeyPrefix = "auth:perms:"
	defaultCacheTTL    = 5 * time.Minute
)

// Resolver computes a user's effective permission set: the union of
// global-role permissions, module-role permissions, and active delegated
// permissions. The resolver itself is stateless; an optional cache keeps
// snapshots keyed by user id and must be invalidated on any role or
// delegation mutation for that user.
type Resolver struct {
	roles       RoleStore
	delegations DelegationStore
	catalog     Catalog
	cache       Cache
	cacheTTL    time.Duration
	onCacheRead func(hit bool)
	now         func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithCache attaches a snapshot cache.
func WithCache(cache Cache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithCacheObserver registers a callback invoked on every cache lookup,
// reporting hit or miss. Used to feed metrics.
func WithCacheObserver(fn func(hit bool)) ResolverOption {
	return func(r *Resolver) { r.onCacheRead = fn }
}

// WithResolverClock overrides the resolver time source (tests).
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given stores and catalog.
func NewResolver(roles RoleStore, delegations DelegationStore, catalog Catalog, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		roles:       roles,
		delegations: delegations,
		catalog:     catalog,
		cacheTTL:    defaultCacheTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectivePermissions returns the user's effective permission set.
// Cache read failures fall through to a fresh computation.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	if r.cache != nil {
		data, ok, err := r.cache.Get(ctx, permCacheKeyPrefix+userID)
		if r.onCacheRead != nil {
			r.onCacheRead(err == nil && ok)
		}
		if err == nil && ok {
			var keys []string
			if err := json.Unmarshal(data, &keys); err == nil {
				return set(keys...), nil
			}
		}
	}

	permissions, err := r.compute(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(sortedKeys(permissions)); err == nil {
			_ = r.cache.Set(ctx, permCacheKeyPrefix+userID, data, r.cacheTTL)
		}
	}
	return permissions, nil
}

func (r *Resolver) compute(ctx context.Context, userID string) (map[string]struct{}, error) {
	permissions := make(map[string]struct{})

	globals, err := r.roles.GlobalRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load global roles: %w", err)
	}
	for _, g := range globals {
		for p := range r.catalog.GlobalRolePermissions(g.Role) {
			permissions[p] = struct{}{}
		}
	}

	moduleRoles, err := r.roles.ModuleRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load module roles: %w", err)
	}
	for _, m := range moduleRoles {
		for p := range r.catalog.ModuleRolePermissions(m.Module, m.RoleName) {
			permissions[p] = struct{}{}
		}
	}

	delegations, err := r.delegations.ActiveDelegationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load delegations: %w", err)
	}
	now := r.now()
	for _, d := range delegations {
		if d.Active(now) {
			permissions[d.Permission] = struct{}{}
		}
	}
	return permissions, nil
}

// GlobalRoleNames returns the user's global role names for embedding in
// access credentials.
func (r *Resolver) GlobalRoleNames(ctx context.Context, userID string) ([]string, error) {
	globals, err := r.roles.GlobalRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(globals))
	for _, g := range globals {
		names = append(names, g.Role)
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops the cached snapshot for the user. Callers must invoke
// it in the same logical operation as any role or delegation mutation.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, permCacheKeyPrefix+userID)
}

func sortedKeys(permissions map[string]struct{}) []string {
	out := make([]string, 0, len(permissions))
	for k := range permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
