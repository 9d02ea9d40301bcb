package auth

import (
	"context"
	"sync"
	"time"

	"tessera.org/internal/audit"
)

// Test doubles shared by the package tests: function-field stubs for the
// read paths and small in-memory fakes where mutation semantics matter.

type stubUsers struct {
	byID    func(ctx context.Context, id string) (*User, error)
	byEmail func(ctx context.Context, email string) (*User, error)
}

func (s *stubUsers) UserByID(ctx context.Context, id string) (*User, error) {
	if s.byID == nil {
		return nil, ErrNotFound
	}
	return s.byID(ctx, id)
}

func (s *stubUsers) UserByEmail(ctx context.Context, email string) (*User, error) {
	if s.byEmail == nil {
		return nil, ErrNotFound
	}
	return s.byEmail(ctx, email)
}

func singleUser(u *User) *stubUsers {
	return &stubUsers{
		byID: func(_ context.Context, id string) (*User, error) {
			if u != nil && u.ID == id {
				cp := *u
				return &cp, nil
			}
			return nil, ErrNotFound
		},
		byEmail: func(_ context.Context, email string) (*User, error) {
			if u != nil && u.Email == email {
				cp := *u
				return &cp, nil
			}
			return nil, ErrNotFound
		},
	}
}

type stubRoles struct {
	mu      sync.Mutex
	globals map[string][]GlobalRole
	modules map[string][]ModuleRole

	assignGlobalErr error
}

func newStubRoles() *stubRoles {
	return &stubRoles{
		globals: map[string][]GlobalRole{},
		modules: map[string][]ModuleRole{},
	}
}

func (s *stubRoles) GlobalRoles(_ context.Context, userID string) ([]GlobalRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GlobalRole(nil), s.globals[userID]...), nil
}

func (s *stubRoles) AssignGlobalRole(_ context.Context, assignment GlobalRole) error {
	if s.assignGlobalErr != nil {
		return s.assignGlobalErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[assignment.UserID] = append(s.globals[assignment.UserID], assignment)
	return nil
}

func (s *stubRoles) RemoveGlobalRole(_ context.Context, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.globals[userID][:0]
	for _, g := range s.globals[userID] {
		if g.Role != role {
			kept = append(kept, g)
		}
	}
	s.globals[userID] = kept
	return nil
}

func (s *stubRoles) ModuleRoles(_ context.Context, userID string) ([]ModuleRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ModuleRole(nil), s.modules[userID]...), nil
}

func (s *stubRoles) AssignModuleRole(_ context.Context, assignment ModuleRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[assignment.UserID] = append(s.modules[assignment.UserID], assignment)
	return nil
}

func (s *stubRoles) RemoveModuleRole(_ context.Context, userID, module, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.modules[userID][:0]
	for _, m := range s.modules[userID] {
		if m.Module != module || m.RoleName != roleName {
			kept = append(kept, m)
		}
	}
	s.modules[userID] = kept
	return nil
}

type memDelegations struct {
	mu   sync.Mutex
	rows map[string]*DelegatedPermission
}

func newMemDelegations() *memDelegations {
	return &memDelegations{rows: map[string]*DelegatedPermission{}}
}

func (m *memDelegations) CreateDelegation(_ context.Context, d *DelegatedPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memDelegations) DelegationByID(_ context.Context, id string) (*DelegatedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDelegations) ActiveDelegationsByUser(_ context.Context, userID string) ([]DelegatedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DelegatedPermission
	for _, d := range m.rows {
		if d.UserID == userID && d.RevokedAt == nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memDelegations) RevokeDelegation(_ context.Context, id string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	if d.RevokedAt == nil {
		d.RevokedAt = &revokedAt
	}
	return nil
}

func (m *memDelegations) RevokeAllDelegations(_ context.Context, userID string, revokedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.rows {
		if d.UserID == userID && d.RevokedAt == nil {
			d.RevokedAt = &revokedAt
			count++
		}
	}
	return count, nil
}

type memRefresh struct {
	mu   sync.Mutex
	rows map[string]*RefreshCredential
}

func newMemRefresh() *memRefresh {
	return &memRefresh{rows: map[string]*RefreshCredential{}}
}

func (m *memRefresh) CreateRefreshCredential(_ context.Context, cred *RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.rows[cred.ID] = &cp
	return nil
}

func (m *memRefresh) LiveRefreshCredentials(_ context.Context, userID string) ([]RefreshCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RefreshCredential
	for _, c := range m.rows {
		if c.UserID == userID && c.RevokedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memRefresh) RevokeRefreshCredential(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	c.RevokedAt = &now
	return true, nil
}

func (m *memRefresh) RotateRefreshCredential(_ context.Context, predecessorID string, next *RefreshCredential) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pred, ok := m.rows[predecessorID]
	if !ok || pred.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	pred.RevokedAt = &now
	cp := *next
	m.rows[next.ID] = &cp
	return true, nil
}

func (m *memRefresh) RevokeAllRefreshCredentials(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, c := range m.rows {
		if c.UserID == userID && c.RevokedAt == nil {
			c.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *memRefresh) DeleteExpiredRefreshCredentials(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, c := range m.rows {
		if c.ExpiresAt.Before(olderThan) {
			delete(m.rows, id)
			count++
		}
	}
	return count, nil
}

func (m *memRefresh) live(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.rows {
		if c.UserID == userID && c.RevokedAt == nil {
			n++
		}
	}
	return n
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte

	gets, hits, deletes int
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	if ok {
		m.hits++
	}
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.data, key)
	return nil
}

type stubLimiter struct {
	allow    bool
	observed []bool
}

func (s *stubLimiter) Allow(string) bool { return s.allow }

func (s *stubLimiter) Observe(_ string, ok bool) { s.observed = append(s.observed, ok) }

type recordSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordSink) Append(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}
