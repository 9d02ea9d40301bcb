package auth

import "errors"

// Sentinel errors returned by the auth core. The HTTP layer maps them to
// stable wire codes via Code.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrRefreshTokenInvalid = errors.New("auth: invalid refresh token")
	ErrUserNotFound        = errors.New("auth: user not found")
	ErrUserInactive        = errors.New("auth: user inactive")
	ErrTenantMismatch      = errors.New("auth: tenant mismatch")
	ErrPermissionDenied    = errors.New("auth: permission denied")
	ErrInvalidPermission   = errors.New("auth: invalid permission")
	ErrRoleAlreadyAssigned = errors.New("auth: role already assigned")
	ErrRoleNotFound        = errors.New("auth: role not found")
	ErrRateLimited         = errors.New("auth: rate limit exceeded")
	ErrNotFound            = errors.New("auth: not found")
)

// Code maps a core error to the string code surfaced to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "AUTH_INVALID_CREDENTIALS"
	case errors.Is(err, ErrRefreshTokenInvalid):
		return "AUTH_REFRESH_TOKEN_INVALID"
	case errors.Is(err, ErrInvalidToken):
		return "AUTH_INVALID_TOKEN"
	case errors.Is(err, ErrUserNotFound):
		return "AUTH_USER_NOT_FOUND"
	case errors.Is(err, ErrUserInactive):
		return "AUTH_USER_INACTIVE"
	case errors.Is(err, ErrTenantMismatch):
		return "AUTH_TENANT_MISMATCH"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrInvalidPermission):
		return "INVALID_PERMISSION"
	case errors.Is(err, ErrRoleAlreadyAssigned):
		return "ROLE_ALREADY_ASSIGNED"
	case errors.Is(err, ErrRoleNotFound):
		return "ROLE_NOT_FOUND"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}
