package auth

import (
	"context"
	"time"

	"sleepplanet.app/internal/audit"
)

// Principal is the identity admitted for one request, with permissions
// resolved at admission time.
type Principal struct {
	UserID      int64
	Username    string
	Roles       []string
	Permissions PermissionSet
	TokenID     string
	ExpiresAt   time.Time
}

func (p Principal) Has(c Capability) bool {
	return p.Permissions.Has(c)
}

// Operator converts the principal into the audit operator identity.
func (p Principal) Operator() audit.Operator {
	return audit.Operator{ID: p.UserID, Username: p.Username}
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
