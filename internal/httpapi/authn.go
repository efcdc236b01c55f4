package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/obs"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	tokenCookie = "jwt_token"
)

// route binds a pattern to a handler and the capability it requires.
// A nil capability admits any authenticated user.
type route struct {
	pattern    string
	capability *auth.Capability
	public     bool
	handler    http.HandlerFunc
}

func capability(c auth.Capability) *auth.Capability { return &c }

func (a *API) routes() []route {
	return []route{
		{pattern: "POST /admin/login", public: true, handler: a.handleLogin},
		{pattern: "POST /admin/logout", handler: a.handleLogout},
		{pattern: "GET /admin/me", handler: a.handleMe},

		{pattern: "GET /admin/users", capability: capability(auth.CapUserList), handler: a.handleListUsers},
		{pattern: "POST /admin/users", capability: capability(auth.CapUserCreate), handler: a.handleCreateUser},
		{pattern: "GET /admin/users/{id}", capability: capability(auth.CapUserRead), handler: a.handleGetUser},
		{pattern: "POST /admin/users/{id}/freeze", capability: capability(auth.CapUserUpdate), handler: a.handleFreezeUser},
		{pattern: "POST /admin/users/{id}/unfreeze", capability: capability(auth.CapUserUpdate), handler: a.handleUnfreezeUser},
		{pattern: "GET /admin/users/{id}/permissions", capability: capability(auth.CapUserRead), handler: a.handleUserPermissions},
		{pattern: "PUT /admin/users/{id}/roles/{roleID}", capability: capability(auth.CapUserUpdate), handler: a.handleAssignRole},
		{pattern: "DELETE /admin/users/{id}/roles/{roleID}", capability: capability(auth.CapUserUpdate), handler: a.handleUnassignRole},

		{pattern: "GET /admin/roles", capability: capability(auth.CapRoleList), handler: a.handleListRoles},
		{pattern: "POST /admin/roles", capability: capability(auth.CapRoleCreate), handler: a.handleCreateRole},
		{pattern: "DELETE /admin/roles/{id}", capability: capability(auth.CapRoleDelete), handler: a.handleDeleteRole},
		{pattern: "PUT /admin/roles/{id}/permissions/{code}", capability: capability(auth.CapPermissionUpdate), handler: a.handleGrantPermission},
		{pattern: "DELETE /admin/roles/{id}/permissions/{code}", capability: capability(auth.CapPermissionUpdate), handler: a.handleRevokePermission},

		{pattern: "GET /admin/permissions", capability: capability(auth.CapPermissionList), handler: a.handleListPermissions},
		{pattern: "GET /admin/audit", capability: capability(auth.CapAuditList), handler: a.handleQueryAudit},
	}
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

// require admits a request only after verifying its token, loading a fresh
// principal and checking the required capability. Every outcome is counted;
// token failure causes are logged but never sent to the client.
func (a *API) require(required *auth.Capability, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw, err := extractToken(r)
		if err != nil {
			a.deny(w, r, "unauthorized", "missing_token", err)
			return
		}

		claims, err := a.tokens.Verify(ctx, raw)
		if err != nil {
			if errors.Is(err, auth.ErrStoreUnavailable) {
				a.deny(w, r, "error", "revocation_unavailable", err)
				return
			}
			a.deny(w, r, "unauthorized", auth.TokenErrorReason(err), err)
			return
		}

		principal, err := a.resolver.Principal(ctx, claims)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				a.deny(w, r, "unauthorized", "inactive_user", err)
				return
			}
			a.deny(w, r, "error", "resolve_failed", err)
			return
		}

		if required != nil && !principal.Has(*required) {
			a.deny(w, r, "forbidden", "missing_permission",
				fmt.Errorf("%w: user %d lacks %s", auth.ErrForbidden, principal.UserID, required))
			return
		}

		obs.RecordAuthDecision("admitted", "ok")
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, outcome, reason string, err error) {
	obs.RecordAuthDecision(outcome, reason)
	if outcome != "error" {
		obs.Warn("auth_rejected", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"reason":     reason,
			"error":      err,
		})
	}
	writeError(w, r, err)
}

// extractToken prefers the Authorization header and falls back to the login cookie.
func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(tokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", fmt.Errorf("%w: invalid authorization scheme", auth.ErrUnauthenticated)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", auth.ErrUnauthenticated)
	}
	return token, nil
}
