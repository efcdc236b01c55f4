package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sleepplanet.app/internal/obs"
)

const defaultStoreTimeout = 3 * time.Second

// PermissionSource is the subset of the credential store the resolver reads.
type PermissionSource interface {
	UserByID(ctx context.Context, id int64) (User, error)
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Resolver computes effective permissions fresh on every call. Nothing is
// cached, so grants and revocations are visible on the next request after
// they commit.
type Resolver struct {
	src     PermissionSource
	timeout time.Duration
}

type ResolverOption func(*Resolver)

// WithResolverTimeout bounds each store round trip.
func WithResolverTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewResolver(src PermissionSource, opts ...ResolverOption) (*Resolver, error) {
	if src == nil {
		return nil, errors.New("permission source is required")
	}
	r := &Resolver{src: src, timeout: defaultStoreTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EffectivePermissions returns the union of permissions over the user's active roles.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID int64) (PermissionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	codes, err := r.src.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, WrapStoreError(err)
	}
	set, unknown := NewPermissionSet(codes)
	if len(unknown) > 0 {
		obs.Warn("unknown_permission_codes", map[string]any{
			"user_id": userID,
			"codes":   unknown,
		})
	}
	return set, nil
}

func (r *Resolver) HasPermission(ctx context.Context, userID int64, c Capability) (bool, error) {
	set, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(c), nil
}

// Principal turns verified claims into a request principal. Unknown and
// frozen users are rejected with ErrUnauthenticated.
func (r *Resolver) Principal(ctx context.Context, claims *Claims) (Principal, error) {
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, err
	}
	uctx, cancel := context.WithTimeout(ctx, r.timeout)
	user, err := r.src.UserByID(uctx, userID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: user %d no longer exists", ErrUnauthenticated, userID)
	}
	if err != nil {
		return Principal{}, WrapStoreError(err)
	}
	if !user.Active {
		return Principal{}, fmt.Errorf("%w: user %d is frozen", ErrUnauthenticated, userID)
	}
	perms, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		UserID:      user.ID,
		Username:    user.Username,
		Roles:       user.Roles,
		Permissions: perms,
		TokenID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}
