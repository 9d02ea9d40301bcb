package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request and stores the
// resulting principal in the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.svc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", err.Error())
			return
		}

		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken),
				errors.Is(err, auth.ErrUserNotFound),
				errors.Is(err, auth.ErrUserInactive),
				errors.Is(err, auth.ErrTenantMismatch):
				w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
				writeError(w, r, http.StatusUnauthorized, auth.Code(err), "authentication failed")
			default:
				writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "authentication error")
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = audit.WithRequestID(ctx, requestIDFrom(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission enforces a permission on the request principal.
func requirePermission(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
		writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "authentication required")
		return auth.Principal{}, false
	}
	if !principal.HasPermission(perm) {
		writeError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing permission "+perm)
		return auth.Principal{}, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
