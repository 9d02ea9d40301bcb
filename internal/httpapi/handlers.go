package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tessera.org/internal/auth"
	"tessera.org/internal/obs"
)

// ReadyProbe checks the service's backing dependencies for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the auth session service and the
// delegation guard.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc   *auth.Service
	guard *auth.DelegationGuard

	rateBurst     int
	ratePerSecond int
}

// Option configures the API.
type Option func(*API)

// WithRateLimit overrides the per-IP request limit.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSecond = perSecond
	}
}

// New wires the route table.
func New(svc *auth.Service, guard *auth.DelegationGuard, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		svc:           svc,
		guard:         guard,
		rateBurst:     100,
		ratePerSecond: 50,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleMe)

	a.mux.HandleFunc("POST /v1/auth/permissions/grant", a.handleGrantPermission)
	a.mux.HandleFunc("POST /v1/auth/permissions/{id}/revoke", a.handleRevokePermission)
	a.mux.HandleFunc("POST /v1/auth/users/{id}/permissions/revoke-all", a.handleRevokeAllPermissions)
	a.mux.HandleFunc("POST /v1/auth/users/{id}/roles", a.handleAssignRole)
	a.mux.HandleFunc("DELETE /v1/auth/users/{id}/roles", a.handleRemoveRole)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tessera-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tessera-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the standard error envelope with a stable code.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error":      msg,
		"code":       code,
		"request_id": requestIDFrom(r.Context()),
	})
}

// writeAuthError maps a core error onto HTTP status and wire code.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.Code(err)
	writeError(w, r, statusForCode(code), code, err.Error())
}

func statusForCode(code string) int {
	switch code {
	case "AUTH_INVALID_CREDENTIALS", "AUTH_INVALID_TOKEN", "AUTH_REFRESH_TOKEN_INVALID",
		"AUTH_USER_INACTIVE", "AUTH_TENANT_MISMATCH":
		return http.StatusUnauthorized
	case "PERMISSION_DENIED":
		return http.StatusForbidden
	case "INVALID_PERMISSION", "ROLE_ALREADY_ASSIGNED":
		return http.StatusBadRequest
	case "AUTH_USER_NOT_FOUND", "ROLE_NOT_FOUND", "NOT_FOUND":
		return http.StatusNotFound
	case "RATE_LIMIT_EXCEEDED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
