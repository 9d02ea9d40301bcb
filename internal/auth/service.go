package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/ids"
)

// Default credential lifetimes. The refresh lifetime depends on the
// caller's remember flag at login.
const (
	DefaultAccessTTL          = 60 * time.Minute
	DefaultRefreshTTL         = 7 * 24 * time.Hour
	DefaultRememberRefreshTTL = 30 * 24 * time.Hour
)

// ServiceConfig is the immutable configuration the service is built
// with. It is constructed once at process start; the core never reads
// the environment.
type ServiceConfig struct {
	Secret             []byte
	Issuer             string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RememberRefreshTTL time.Duration
	PasswordCost       int
}

// Service orchestrates login, credential issuance, rotation, and
// revocation. All state lives in the stores; the service itself is
// request-scoped and stateless between calls.
type Service struct {
	users     UserStore
	roles     RoleStore
	refresh   RefreshCredentialStore
	resolver  *Resolver
	catalog   Catalog
	codec     *TokenCodec
	passwords PasswordHasher
	tokens    TokenHasher
	limiter   RateLimiter
	sink      audit.Sink

	accessTTL          time.Duration
	refreshTTL         time.Duration
	rememberRefreshTTL time.Duration
	now                func() time.Time
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithRateLimiter attaches the login rate limiter.
func WithRateLimiter(limiter RateLimiter) ServiceOption {
	return func(s *Service) { s.limiter = limiter }
}

// WithAuditSink attaches an audit sink for session events.
func WithAuditSink(sink audit.Sink) ServiceOption {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the session service.
func NewService(cfg ServiceConfig, users UserStore, roles RoleStore, refresh RefreshCredentialStore, resolver *Resolver, catalog Catalog, opts ...ServiceOption) (*Service, error) {
	codec, err := NewTokenCodec(cfg.Secret, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	passwords := NewPasswordHasher(cfg.PasswordCost)
	s := &Service{
		users:              users,
		roles:              roles,
		refresh:            refresh,
		resolver:           resolver,
		catalog:            catalog,
		codec:              codec,
		passwords:          passwords,
		tokens:             NewTokenHasher(passwords),
		sink:               audit.NopSink{},
		accessTTL:          cfg.AccessTTL,
		refreshTTL:         cfg.RefreshTTL,
		rememberRefreshTTL: cfg.RememberRefreshTTL,
		now:                time.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = DefaultRefreshTTL
	}
	if s.rememberRefreshTTL <= 0 {
		s.rememberRefreshTTL = DefaultRememberRefreshTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	// The codec shares the service clock so tests can shift both.
	s.codec.now = s.now
	return s, nil
}

// Codec exposes the token codec for callers that only decode.
func (s *Service) Codec() *TokenCodec { return s.codec }

// Passwords exposes the password hasher, e.g. for user provisioning.
func (s *Service) Passwords() PasswordHasher { return s.passwords }

// Login authenticates email/password and issues a fresh credential
// pair. Missing accounts, inactive accounts, and wrong passwords all
// collapse to ErrInvalidCredentials so callers cannot probe for account
// existence; a missing account still burns a dummy hash comparison to
// keep elapsed time indistinguishable. clientKey feeds the login rate
// limiter (typically the client IP).
func (s *Service) Login(ctx context.Context, email, password string, remember bool, clientKey string) (TokenPair, Principal, error) {
	if s.limiter != nil && !s.limiter.Allow(clientKey) {
		return TokenPair{}, Principal{}, ErrRateLimited
	}

	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.passwords.VerifyDummy(password)
			s.observeLogin(ctx, clientKey, email, "", false)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if !user.Active || !s.passwords.Verify(password, user.PasswordHash) {
		s.observeLogin(ctx, clientKey, email, user.ID, false)
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if s.limiter != nil {
		s.limiter.Observe(clientKey, true)
	}

	refreshTTL := s.refreshTTL
	if remember {
		refreshTTL = s.rememberRefreshTTL
	}
	pair, principal, err := s.mint(ctx, user, s.now().UTC().Add(refreshTTL))
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	s.auditEvent(ctx, user, "auth.login", map[string]any{
		"email":    email,
		"remember": remember,
	})
	return pair, principal, nil
}

// Refresh rotates a refresh credential: the presented token is verified,
// matched against a live stored hash, revoked, and replaced by a
// successor carrying the same absolute expiry. Rotation therefore never
// extends the session beyond the expiry granted at login. Concurrent
// rotations of the same token race; exactly one succeeds and the loser
// observes the predecessor already revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrRefreshTokenInvalid
	}
	// The absolute expiry travels in the token payload, not recomputed.
	expiry := claims.ExpiresAt.Time

	stored, err := s.findLive(ctx, claims.Subject, refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if stored == nil {
		return TokenPair{}, Principal{}, ErrRefreshTokenInvalid
	}

	user, err := s.users.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrRefreshTokenInvalid
		}
		return TokenPair{}, Principal{}, err
	}
	if !user.Active {
		return TokenPair{}, Principal{}, ErrRefreshTokenInvalid
	}

	nextToken, err := s.codec.IssueRefresh(user.ID, expiry)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	hash, err := s.tokens.HashForStorage(nextToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	next := &RefreshCredential{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: expiry,
		CreatedAt: s.now().UTC(),
	}
	rotated, err := s.refresh.RotateRefreshCredential(ctx, stored.ID, next)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if !rotated {
		// Lost the race: someone else already consumed this token.
		return TokenPair{}, Principal{}, ErrRefreshTokenInvalid
	}

	accessToken, accessExp, principal, err := s.issueAccess(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	s.auditEvent(ctx, user, "auth.token.rotated", map[string]any{
		"credential_id": next.ID,
	})
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     nextToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: expiry,
	}, principal, nil
}

// Revoke invalidates the live stored credential matching the token for
// the given user. It reports whether a credential was found.
func (s *Service) Revoke(ctx context.Context, refreshToken, userID string) (bool, error) {
	stored, err := s.findLive(ctx, userID, refreshToken)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, nil
	}
	revoked, err := s.refresh.RevokeRefreshCredential(ctx, stored.ID)
	if err != nil {
		return false, err
	}
	if revoked {
		s.auditEventByID(ctx, userID, "auth.token.revoked", map[string]any{
			"credential_id": stored.ID,
		})
	}
	return revoked, nil
}

// RevokeAll revokes every live refresh credential the user holds
// (logout from all devices) and returns the count.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	count, err := s.refresh.RevokeAllRefreshCredentials(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.auditEventByID(ctx, userID, "auth.token.revoked_all", map[string]any{
			"revoked_count": count,
		})
	}
	return count, nil
}

// Authenticate validates an access credential for request authorization:
// signature, expiry, type, tenant claim against the stored tenant, and
// account status. The embedded permission snapshot is authoritative for
// the request's lifetime.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.codec.Decode(accessToken)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeAccess {
		return Principal{}, ErrInvalidToken
	}
	user, err := s.users.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUserNotFound
		}
		return Principal{}, err
	}
	if !s.VerifyTenant(user, claims.TenantID) {
		s.auditEvent(ctx, user, "auth.tenant_mismatch", map[string]any{
			"claimed_tenant_id": claims.TenantID,
		})
		return Principal{}, ErrTenantMismatch
	}
	if !user.Active {
		return Principal{}, ErrUserInactive
	}
	return NewPrincipal(user, claims.Roles, claims.Permissions), nil
}

// VerifyTenant reports whether the claimed tenant equals the user's
// stored tenant. Any mismatch is a security event, never silently
// corrected.
func (s *Service) VerifyTenant(user *User, claimedTenantID string) bool {
	return user != nil && user.TenantID == claimedTenantID
}

// SweepExpired deletes refresh rows whose expiry passed more than grace
// ago. Revoked-but-unexpired rows are kept for audit until they age out.
func (s *Service) SweepExpired(ctx context.Context, grace time.Duration) (int, error) {
	return s.refresh.DeleteExpiredRefreshCredentials(ctx, s.now().UTC().Add(-grace))
}

// AssignGlobalRole grants a catalog global role to a user and drops the
// user's cached permission snapshot in the same logical operation.
func (s *Service) AssignGlobalRole(ctx context.Context, userID, role, grantedBy string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if len(s.catalog.GlobalRolePermissions(role)) == 0 {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	if err := s.roles.AssignGlobalRole(ctx, GlobalRole{
		UserID:    userID,
		Role:      role,
		GrantedBy: grantedBy,
		GrantedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, userID); err != nil {
		return err
	}
	s.auditEventByID(ctx, grantedBy, "auth.role.assigned", map[string]any{
		"target_user_id": userID,
		"role":           role,
	})
	return nil
}

// RemoveGlobalRole removes a global role assignment and invalidates the
// cached snapshot.
func (s *Service) RemoveGlobalRole(ctx context.Context, userID, role, removedBy string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if err := s.roles.RemoveGlobalRole(ctx, userID, role); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, userID); err != nil {
		return err
	}
	s.auditEventByID(ctx, removedBy, "auth.role.removed", map[string]any{
		"target_user_id": userID,
		"role":           role,
	})
	return nil
}

// AssignModuleRole grants a module-scoped catalog role and invalidates
// the cached snapshot.
func (s *Service) AssignModuleRole(ctx context.Context, userID, module, roleName, grantedBy string) error {
	module = strings.ToLower(strings.TrimSpace(module))
	roleName = NormalizeRoleName(roleName)
	if len(s.catalog.ModuleRolePermissions(module, roleName)) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRoleNotFound, module, roleName)
	}
	if err := s.roles.AssignModuleRole(ctx, ModuleRole{
		UserID:    userID,
		Module:    module,
		RoleName:  roleName,
		GrantedBy: grantedBy,
		GrantedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, userID); err != nil {
		return err
	}
	s.auditEventByID(ctx, grantedBy, "auth.module_role.assigned", map[string]any{
		"target_user_id": userID,
		"module":         module,
		"role":           roleName,
	})
	return nil
}

// RemoveModuleRole removes a module role assignment and invalidates the
// cached snapshot.
func (s *Service) RemoveModuleRole(ctx context.Context, userID, module, roleName, removedBy string) error {
	module = strings.ToLower(strings.TrimSpace(module))
	roleName = NormalizeRoleName(roleName)
	if err := s.roles.RemoveModuleRole(ctx, userID, module, roleName); err != nil {
		return err
	}
	if err := s.resolver.Invalidate(ctx, userID); err != nil {
		return err
	}
	s.auditEventByID(ctx, removedBy, "auth.module_role.removed", map[string]any{
		"target_user_id": userID,
		"module":         module,
		"role":           roleName,
	})
	return nil
}

// mint issues a fresh access/refresh pair and persists the refresh hash.
func (s *Service) mint(ctx context.Context, user *User, refreshExpiry time.Time) (TokenPair, Principal, error) {
	accessToken, accessExp, principal, err := s.issueAccess(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	refreshToken, err := s.codec.IssueRefresh(user.ID, refreshExpiry)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	hash, err := s.tokens.HashForStorage(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	cred := &RefreshCredential{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: refreshExpiry,
		CreatedAt: s.now().UTC(),
	}
	if err := s.refresh.CreateRefreshCredential(ctx, cred); err != nil {
		return TokenPair{}, Principal{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExpiry,
	}, principal, nil
}

func (s *Service) issueAccess(ctx context.Context, user *User) (string, time.Time, Principal, error) {
	roles, err := s.resolver.GlobalRoleNames(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, Principal{}, err
	}
	permissions, err := s.resolver.EffectivePermissions(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, Principal{}, err
	}
	permList := sortedKeys(permissions)
	token, exp, err := s.codec.IssueAccess(user.ID, user.TenantID, roles, permList, s.accessTTL)
	if err != nil {
		return "", time.Time{}, Principal{}, err
	}
	return token, exp, NewPrincipal(user, roles, permList), nil
}

// findLive scans the user's live stored credentials for one whose hash
// matches the presented token.
func (s *Service) findLive(ctx context.Context, userID, token string) (*RefreshCredential, error) {
	creds, err := s.refresh.LiveRefreshCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range creds {
		if !creds[i].Live(now) {
			continue
		}
		if s.tokens.VerifyAgainstStorage(token, creds[i].TokenHash) {
			return &creds[i], nil
		}
	}
	return nil, nil
}

func (s *Service) observeLogin(ctx context.Context, clientKey, email, userID string, ok bool) {
	if s.limiter != nil {
		s.limiter.Observe(clientKey, ok)
	}
	if !ok {
		_ = s.sink.Append(ctx, audit.Entry{
			ActorID:    userID,
			Action:     "auth.login.failed",
			Details:    map[string]any{"email": email},
			OccurredAt: s.now().UTC(),
		})
	}
}

func (s *Service) auditEvent(ctx context.Context, user *User, action string, details map[string]any) {
	entry := audit.Entry{
		Action:     action,
		Details:    details,
		OccurredAt: s.now().UTC(),
	}
	if user != nil {
		entry.ActorID = user.ID
		entry.TenantID = user.TenantID
	}
	_ = s.sink.Append(ctx, entry)
}

func (s *Service) auditEventByID(ctx context.Context, actorID, action string, details map[string]any) {
	entry := audit.Entry{
		ActorID:    actorID,
		Action:     action,
		Details:    details,
		OccurredAt: s.now().UTC(),
	}
	if actor, err := s.users.UserByID(ctx, actorID); err == nil {
		entry.TenantID = actor.TenantID
	}
	_ = s.sink.Append(ctx, entry)
}

// SortedPermissions returns a principal's snapshot as a sorted list, for
// responses and logs.
func SortedPermissions(p Principal) []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
