package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
	"tessera.org/internal/ids"
)

var (
	_ auth.UserStore              = (*Store)(nil)
	_ auth.RoleStore              = (*Store)(nil)
	_ auth.DelegationStore        = (*Store)(nil)
	_ auth.RefreshCredentialStore = (*Store)(nil)
)

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, tenant_id, email, password_hash, active, created_at, updated_at
		from users
		where id = $1
	`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, tenant_id, email, password_hash, active, created_at, updated_at
		from users
		where lower(email) = lower($1)
	`, email))
}

func (s *Store) scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GlobalRoles(ctx context.Context, userID string) ([]auth.GlobalRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role, granted_by, granted_at
		from user_global_roles
		where user_id = $1
		order by role
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.GlobalRole
	for rows.Next() {
		var g auth.GlobalRole
		if err := rows.Scan(&g.UserID, &g.Role, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) AssignGlobalRole(ctx context.Context, assignment auth.GlobalRole) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_global_roles (user_id, role, granted_by, granted_at)
		values ($1, $2, $3, $4)
	`, assignment.UserID, assignment.Role, assignment.GrantedBy, assignment.GrantedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: %s", auth.ErrRoleAlreadyAssigned, assignment.Role)
		}
		return err
	}
	return nil
}

func (s *Store) RemoveGlobalRole(ctx context.Context, userID, role string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_global_roles
		where user_id = $1 and role = $2
	`, userID, role)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", auth.ErrRoleNotFound, role)
	}
	return nil
}

func (s *Store) ModuleRoles(ctx context.Context, userID string) ([]auth.ModuleRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, module, role_name, granted_by, granted_at
		from user_module_roles
		where user_id = $1
		order by module, role_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.ModuleRole
	for rows.Next() {
		var m auth.ModuleRole
		if err := rows.Scan(&m.UserID, &m.Module, &m.RoleName, &m.GrantedBy, &m.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AssignModuleRole(ctx context.Context, assignment auth.ModuleRole) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_module_roles (user_id, module, role_name, granted_by, granted_at)
		values ($1, $2, $3, $4, $5)
	`, assignment.UserID, assignment.Module, assignment.RoleName, assignment.GrantedBy, assignment.GrantedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: %s/%s", auth.ErrRoleAlreadyAssigned, assignment.Module, assignment.RoleName)
		}
		return err
	}
	return nil
}

func (s *Store) RemoveModuleRole(ctx context.Context, userID, module, roleName string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_module_roles
		where user_id = $1 and module = $2 and role_name = $3
	`, userID, module, roleName)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s/%s", auth.ErrRoleNotFound, module, roleName)
	}
	return nil
}

func (s *Store) CreateDelegation(ctx context.Context, d *auth.DelegatedPermission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into delegated_permissions
			(id, user_id, granted_by, module, permission, granted_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.UserID, d.GrantedBy, d.Module, d.Permission, d.GrantedAt, d.ExpiresAt)
	return err
}

func (s *Store) DelegationByID(ctx context.Context, id string) (*auth.DelegatedPermission, error) {
	var d auth.DelegatedPermission
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, granted_by, module, permission, granted_at, expires_at, revoked_at
		from delegated_permissions
		where id = $1
	`, id).Scan(&d.ID, &d.UserID, &d.GrantedBy, &d.Module, &d.Permission, &d.GrantedAt, &d.ExpiresAt, &d.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ActiveDelegationsByUser(ctx context.Context, userID string) ([]auth.DelegatedPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, granted_by, module, permission, granted_at, expires_at, revoked_at
		from delegated_permissions
		where user_id = $1
		  and revoked_at is null
		  and (expires_at is null or expires_at > now())
		order by granted_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.DelegatedPermission
	for rows.Next() {
		var d auth.DelegatedPermission
		if err := rows.Scan(&d.ID, &d.UserID, &d.GrantedBy, &d.Module, &d.Permission, &d.GrantedAt, &d.ExpiresAt, &d.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) RevokeDelegation(ctx context.Context, id string, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update delegated_permissions
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, revokedAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		// Either missing or a concurrent revoker got there first. The
		// latter is idempotent success.
		var revoked sql.NullTime
		err := s.db.QueryRowContext(ctx, `
			select revoked_at from delegated_permissions where id = $1
		`, id).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !revoked.Valid {
			return auth.ErrNotFound
		}
	}
	return nil
}

func (s *Store) RevokeAllDelegations(ctx context.Context, userID string, revokedAt time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update delegated_permissions
		set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, revokedAt)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) CreateRefreshCredential(ctx context.Context, cred *auth.RefreshCredential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, cred.ID, cred.UserID, cred.TokenHash, cred.ExpiresAt, cred.CreatedAt)
	return err
}

func (s *Store) LiveRefreshCredentials(ctx context.Context, userID string) ([]auth.RefreshCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked_at
		from refresh_tokens
		where user_id = $1 and revoked_at is null and expires_at > now()
		order by created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RefreshCredential
	for rows.Next() {
		var c auth.RefreshCredential
		if err := rows.Scan(&c.ID, &c.UserID, &c.TokenHash, &c.ExpiresAt, &c.CreatedAt, &c.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RevokeRefreshCredential(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now()
		where id = $1 and revoked_at is null
	`, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// RotateRefreshCredential claims the predecessor and inserts the
// successor in one transaction. The conditional update is the claim: if
// another rotation got there first, zero rows match and the entire
// rotation reports false.
func (s *Store) RotateRefreshCredential(ctx context.Context, predecessorID string, next *auth.RefreshCredential) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now()
		where id = $1 and revoked_at is null
	`, predecessorID)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RevokeAllRefreshCredentials(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = now()
		where user_id = $1 and revoked_at is null
	`, userID)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) DeleteExpiredRefreshCredentials(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

// AuditSink persists audit entries into the audit_log table.
type AuditSink struct {
	store *Store
}

var _ audit.Sink = (*AuditSink)(nil)

// NewAuditSink builds a sink writing through the store's connection.
func NewAuditSink(store *Store) *AuditSink {
	return &AuditSink{store: store}
}

func (a *AuditSink) Append(ctx context.Context, entry audit.Entry) error {
	details := []byte("{}")
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = data
	}
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_log
			(id, actor_id, tenant_id, action, resource_type, resource_id, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ids.New(), nullIfEmpty(entry.ActorID), nullIfEmpty(entry.TenantID), entry.Action,
		nullIfEmpty(entry.ResourceType), nullIfEmpty(entry.ResourceID), details, occurred)
	return err
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
