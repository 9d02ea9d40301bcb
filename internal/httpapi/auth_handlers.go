package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tessera.org/internal/auth"
	"tessera.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	All          bool   `json:"all"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "email and password are required")
		return
	}

	pair, _, err := a.svc.Login(r.Context(), req.Email, req.Password, req.Remember, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			obs.ObserveLogin("rate_limited")
			w.Header().Set("Retry-After", "60")
		case errors.Is(err, auth.ErrInvalidCredentials):
			obs.ObserveLogin("invalid")
		default:
			obs.ObserveLogin("error")
		}
		writeAuthError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required")
		return
	}

	pair, _, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.ObserveRotation()
	writeJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return
	}

	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if req.All {
		count, err := a.svc.RevokeAll(r.Context(), principal.User.ID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		obs.ObserveRevocation("all_tokens")
		writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
		return
	}

	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required")
		return
	}
	revoked, err := a.svc.Revoke(r.Context(), req.RefreshToken, principal.User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if revoked {
		obs.ObserveRevocation("token")
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.User.ID,
		"tenant_id":   principal.User.TenantID,
		"email":       principal.User.Email,
		"roles":       principal.Roles,
		"permissions": auth.SortedPermissions(principal),
	})
}

type grantRequest struct {
	UserID     string     `json:"user_id"`
	Module     string     `json:"module"`
	Permission string     `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return
	}

	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "user_id is required")
		return
	}

	delegation, err := a.guard.Grant(r.Context(), principal.User.ID, req.UserID, req.Module, req.Permission, req.ExpiresAt)
	if err != nil {
		obs.ObserveDelegation("denied")
		writeAuthError(w, r, err)
		return
	}
	obs.ObserveDelegation("granted")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         delegation.ID,
		"user_id":    delegation.UserID,
		"granted_by": delegation.GrantedBy,
		"module":     delegation.Module,
		"permission": delegation.Permission,
		"granted_at": delegation.GrantedAt,
		"expires_at": delegation.ExpiresAt,
	})
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return
	}

	id := r.PathValue("id")
	if err := a.guard.Revoke(r.Context(), id, principal.User.ID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.ObserveRevocation("delegation")
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (a *API) handleRevokeAllPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return
	}

	targetID := r.PathValue("id")
	count, err := a.guard.RevokeAll(r.Context(), targetID, principal.User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	obs.ObserveRevocation("all_delegations")
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

type roleRequest struct {
	Role   string `json:"role"`
	Module string `json:"module,omitempty"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePermission(w, r, "auth.manage_roles")
	if !ok {
		return
	}

	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	targetID := r.PathValue("id")

	var err error
	if req.Module != "" {
		err = a.svc.AssignModuleRole(r.Context(), targetID, req.Module, req.Role, principal.User.ID)
	} else {
		err = a.svc.AssignGlobalRole(r.Context(), targetID, req.Role, principal.User.ID)
	}
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"assigned": true})
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePermission(w, r, "auth.manage_roles")
	if !ok {
		return
	}

	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	targetID := r.PathValue("id")

	var err error
	if req.Module != "" {
		err = a.svc.RemoveModuleRole(r.Context(), targetID, req.Module, req.Role, principal.User.ID)
	} else {
		err = a.svc.RemoveGlobalRole(r.Context(), targetID, req.Role, principal.User.ID)
	}
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}
