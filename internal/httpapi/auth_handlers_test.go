package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tessera.org/internal/auth"
)

// In-memory stores backing the end-to-end handler tests.

type memUsers struct {
	mu    sync.Mutex
	users map[string]*auth.User
}

func (m *memUsers) UserByID(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

type memRoles struct {
	mu      sync.Mutex
	globals map[string][]auth.GlobalRole
	modules map[string][]auth.ModuleRole
}

func (m *memRoles) GlobalRoles(_ context.Context, userID string) ([]auth.GlobalRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.GlobalRole(nil), m.globals[userID]...), nil
}

func (m *memRoles) AssignGlobalRole(_ context.Context, a auth.GlobalRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals[a.UserID] = append(m.globals[a.UserID], a)
	return nil
}

func (m *memRoles) RemoveGlobalRole(_ context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.globals[userID][:0]
	for _, g := range m.globals[userID] {
		if g.Role != role {
			kept = append(kept, g)
		}
	}
	m.globals[userID] = kept
	return nil
}

func (m *memRoles) ModuleRoles(_ context.Context, userID string) ([]auth.ModuleRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.ModuleRole(nil), m.modules[userID]...), nil
}

func (m *memRoles) AssignModuleRole(_ context.Context, a auth.ModuleRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[a.UserID] = append(m.modules[a.UserID], a)
	return nil
}

func (m *memRoles) RemoveModuleRole(_ context.Context, userID, module, roleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.modules[userID][:0]
	for _, r := range m.modules[userID] {
		if r.Module != module || r.RoleName != roleName {
			kept = append(kept, r)
		}
	}
	m.modules[userID] = kept
	return nil
}

type memDelegations struct {
	mu   sync.Mutex
	rows map[string]*auth.DelegatedPermission
}

func (m *memDelegations) CreateDelegation(_ context.Context, d *auth.DelegatedPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memDelegations) DelegationByID(_ context.Context, id string) (*auth.DelegatedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDelegations) ActiveDelegationsByUser(_ context.Context, userID string) ([]auth.DelegatedPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []auth.DelegatedPermission
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
		return auth.ErrNotFound
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
	rows map[string]*auth.RefreshCredential
}

func (m *memRefresh) CreateRefreshCredential(_ context.Context, c *auth.RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.ID] = &cp
	return nil
}

func (m *memRefresh) LiveRefreshCredentials(_ context.Context, userID string) ([]auth.RefreshCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []auth.RefreshCredential
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

func (m *memRefresh) RotateRefreshCredential(_ context.Context, predecessorID string, next *auth.RefreshCredential) (bool, error) {
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

type apiFixture struct {
	handler http.Handler
	roles   *memRoles
}

const fixturePassword = "handler-test-password"

var fixtureSecret = []byte("0123456789abcdef0123456789abcdef")

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	hash, err := auth.NewPasswordHasher(auth.MinPasswordCost).Hash(fixturePassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	users := &memUsers{users: map[string]*auth.User{
		"editor": {ID: "editor", TenantID: "t1", Email: "editor@example.com", PasswordHash: hash, Active: true},
		"mgr":    {ID: "mgr", TenantID: "t1", Email: "mgr@example.com", PasswordHash: hash, Active: true},
		"root":   {ID: "root", TenantID: "t1", Email: "root@example.com", PasswordHash: hash, Active: true},
	}}
	roles := &memRoles{
		globals: map[string][]auth.GlobalRole{
			"root": {{UserID: "root", Role: "admin"}},
		},
		modules: map[string][]auth.ModuleRole{
			"editor": {{UserID: "editor", Module: "inventory", RoleName: "editor"}},
			"mgr":    {{UserID: "mgr", Module: "inventory", RoleName: "manager"}},
		},
	}
	delegations := &memDelegations{rows: map[string]*auth.DelegatedPermission{}}
	refresh := &memRefresh{rows: map[string]*auth.RefreshCredential{}}

	catalog := auth.NewCatalog()
	resolver := auth.NewResolver(roles, delegations, catalog)
	svc, err := auth.NewService(auth.ServiceConfig{
		Secret: fixtureSecret,
		Issuer: "tessera",
	}, users, roles, refresh, resolver, catalog)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	guard := auth.NewDelegationGuard(resolver, delegations, users)

	api := New(svc, guard, ReadyProbe{}, "test")
	return &apiFixture{handler: api.Handler(), roles: roles}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:5555"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) login(t *testing.T, email string) tokenPairResponse {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Email: email, Password: fixturePassword})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return pair
}

func errCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	code, _ := body["code"].(string)
	return code
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)

	pair := f.login(t, "editor@example.com")
	if pair.TokenType != "bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}

	rr := f.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", rr.Code, rr.Body.String())
	}
	var me struct {
		UserID      string   `json:"user_id"`
		TenantID    string   `json:"tenant_id"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != "editor" || me.TenantID != "t1" {
		t.Fatalf("me = %+v", me)
	}
	if !strings.Contains(strings.Join(me.Permissions, ","), "inventory.adjust_stock") {
		t.Fatalf("permissions = %v", me.Permissions)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/auth/login", "",
		loginRequest{Email: "editor@example.com", Password: "nope"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
	if errCode(t, rr) != "AUTH_INVALID_CREDENTIALS" {
		t.Fatalf("code = %s", errCode(t, rr))
	}
}

func TestMeRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/auth/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.login(t, "editor@example.com")

	rr := f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: pair.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rr.Code, rr.Body.String())
	}
	var next tokenPairResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	// The consumed token is rejected on reuse.
	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: pair.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reuse: status %d", rr.Code)
	}
	if errCode(t, rr) != "AUTH_REFRESH_TOKEN_INVALID" {
		t.Fatalf("code = %s", errCode(t, rr))
	}
}

func TestLogoutRevokesRefresh(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.login(t, "editor@example.com")

	rr := f.do(t, http.MethodPost, "/v1/auth/logout", pair.AccessToken,
		logoutRequest{RefreshToken: pair.RefreshToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: pair.RefreshToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status %d", rr.Code)
	}
}

func TestGrantAndRevokeDelegation(t *testing.T) {
	f := newAPIFixture(t)
	mgr := f.login(t, "mgr@example.com")
	editorPair := f.login(t, "editor@example.com")

	// The editor lacks inventory.manage_users and cannot grant.
	rr := f.do(t, http.MethodPost, "/v1/auth/permissions/grant", editorPair.AccessToken,
		grantRequest{UserID: "root", Module: "inventory", Permission: "inventory.view"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("editor grant: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/permissions/grant", mgr.AccessToken,
		grantRequest{UserID: "editor", Module: "inventory", Permission: "inventory.delete"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("mgr grant: status %d body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("grant response: %v %s", err, rr.Body.String())
	}

	// A fresh login reflects the delegated permission.
	refreshed := f.login(t, "editor@example.com")
	rr = f.do(t, http.MethodGet, "/v1/auth/me", refreshed.AccessToken, nil)
	if !strings.Contains(rr.Body.String(), "inventory.delete") {
		t.Fatalf("delegated permission missing: %s", rr.Body.String())
	}

	// manage_users itself is never delegable.
	rr = f.do(t, http.MethodPost, "/v1/auth/permissions/grant", mgr.AccessToken,
		grantRequest{UserID: "editor", Module: "inventory", Permission: "inventory.manage_users"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("manage_users grant: status %d", rr.Code)
	}
	if errCode(t, rr) != "INVALID_PERMISSION" {
		t.Fatalf("code = %s", errCode(t, rr))
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/permissions/"+created.ID+"/revoke", mgr.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestRevokeAllDelegationsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	mgr := f.login(t, "mgr@example.com")
	rootPair := f.login(t, "root@example.com")

	rr := f.do(t, http.MethodPost, "/v1/auth/permissions/grant", mgr.AccessToken,
		grantRequest{UserID: "editor", Module: "inventory", Permission: "inventory.delete"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant: status %d", rr.Code)
	}

	// The manager holds no global authority over all delegations.
	rr = f.do(t, http.MethodPost, "/v1/auth/users/editor/permissions/revoke-all", mgr.AccessToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("mgr revoke-all: status %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/users/editor/permissions/revoke-all", rootPair.AccessToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin revoke-all: status %d body %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Revoked int `json:"revoked"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res.Revoked != 1 {
		t.Fatalf("revoke-all response: %v %s", err, rr.Body.String())
	}
}

func TestAssignRoleEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	editorPair := f.login(t, "editor@example.com")
	rootPair := f.login(t, "root@example.com")

	// auth.manage_roles is required.
	rr := f.do(t, http.MethodPost, "/v1/auth/users/editor/roles", editorPair.AccessToken,
		roleRequest{Role: "viewer"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("editor assign: status %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/users/editor/roles", rootPair.AccessToken,
		roleRequest{Role: "viewer"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin assign: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/users/editor/roles", rootPair.AccessToken,
		roleRequest{Role: "astronaut"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown role: status %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/v1/auth/users/editor/roles", rootPair.AccessToken,
		roleRequest{Role: "viewer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("remove: status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestTenantMismatchRejected(t *testing.T) {
	f := newAPIFixture(t)

	codec, err := auth.NewTokenCodec(fixtureSecret, "tessera")
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	forged, _, err := codec.IssueAccess("editor", "other-tenant", nil, nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	rr := f.do(t, http.MethodGet, "/v1/auth/me", forged, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
	if errCode(t, rr) != "AUTH_TENANT_MISMATCH" {
		t.Fatalf("code = %s", errCode(t, rr))
	}
}
