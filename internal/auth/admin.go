package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sleepplanet.app/internal/audit"
)

// AdminService implements user, role and permission administration. Every
// successful mutation leaves exactly one audit entry, written by the store in
// the mutation's transaction; failed mutations leave none.
type AdminService struct {
	store   Store
	audit   *audit.Logger
	timeout time.Duration
}

func NewAdminService(store Store, logger *audit.Logger, timeout time.Duration) (*AdminService, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if logger == nil {
		return nil, errors.New("audit logger is required")
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &AdminService{store: store, audit: logger, timeout: timeout}, nil
}

func (s *AdminService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// mutate runs fn with a prepared entry and reports the entry as committed
// only when fn succeeds.
func (s *AdminService) mutate(ctx context.Context, op audit.Operator, operation string, resource Resource, resourceID string, meta map[string]string, fn func(context.Context, *audit.Entry) error) error {
	entry := s.audit.Prepare(ctx, op, operation, string(resource), resourceID)
	entry.Metadata = meta
	sctx, cancel := s.bound(ctx)
	defer cancel()
	if err := fn(sctx, &entry); err != nil {
		return WrapStoreError(err)
	}
	s.audit.Committed(ctx, entry)
	return nil
}

func (s *AdminService) CreateUser(ctx context.Context, op audit.Operator, in CreateUserInput) (User, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	var created User
	meta := map[string]string{"username": in.Username}
	err = s.mutate(ctx, op, audit.OpUserCreate, ResourceUser, "", meta, func(ctx context.Context, e *audit.Entry) error {
		var err error
		created, err = s.store.CreateUser(ctx, NewUser{
			Username:     in.Username,
			Email:        in.Email,
			Phone:        in.Phone,
			PasswordHash: hash,
			RoleNames:    in.Roles,
		}, e)
		return err
	})
	return created, err
}

func (s *AdminService) GetUser(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	u, err := s.store.UserByID(ctx, id)
	return u, WrapStoreError(err)
}

func (s *AdminService) ListUsers(ctx context.Context, page Page) ([]User, int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	users, total, err := s.store.ListUsers(ctx, page.normalize())
	if err != nil {
		return nil, 0, WrapStoreError(err)
	}
	if users == nil {
		users = []User{}
	}
	return users, total, nil
}

// FreezeUser deactivates a user. Tokens already issued stop working on the
// next request because resolution rejects inactive users.
func (s *AdminService) FreezeUser(ctx context.Context, op audit.Operator, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	if id == op.ID {
		return fmt.Errorf("%w: operators cannot freeze themselves", ErrValidation)
	}
	return s.mutate(ctx, op, audit.OpUserFreeze, ResourceUser, strconv.FormatInt(id, 10), nil, func(ctx context.Context, e *audit.Entry) error {
		return s.store.SetUserActive(ctx, id, false, e)
	})
}

func (s *AdminService) UnfreezeUser(ctx context.Context, op audit.Operator, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	return s.mutate(ctx, op, audit.OpUserUnfreeze, ResourceUser, strconv.FormatInt(id, 10), nil, func(ctx context.Context, e *audit.Entry) error {
		return s.store.SetUserActive(ctx, id, true, e)
	})
}

func (s *AdminService) AssignRole(ctx context.Context, op audit.Operator, userID, roleID int64) error {
	if userID <= 0 || roleID <= 0 {
		return fmt.Errorf("%w: user and role ids must be positive", ErrValidation)
	}
	meta := map[string]string{"role_id": strconv.FormatInt(roleID, 10)}
	return s.mutate(ctx, op, audit.OpUserRoleAssign, ResourceUser, strconv.FormatInt(userID, 10), meta, func(ctx context.Context, e *audit.Entry) error {
		return s.store.AssignRole(ctx, userID, roleID, e)
	})
}

func (s *AdminService) UnassignRole(ctx context.Context, op audit.Operator, userID, roleID int64) error {
	if userID <= 0 || roleID <= 0 {
		return fmt.Errorf("%w: user and role ids must be positive", ErrValidation)
	}
	meta := map[string]string{"role_id": strconv.FormatInt(roleID, 10)}
	return s.mutate(ctx, op, audit.OpUserRoleUnassign, ResourceUser, strconv.FormatInt(userID, 10), meta, func(ctx context.Context, e *audit.Entry) error {
		return s.store.UnassignRole(ctx, userID, roleID, e)
	})
}

// UserPermissions resolves the effective permission set of any user.
func (s *AdminService) UserPermissions(ctx context.Context, userID int64) (PermissionSet, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	codes, err := s.store.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, WrapStoreError(err)
	}
	set, _ := NewPermissionSet(codes)
	return set, nil
}

func (s *AdminService) CreateRole(ctx context.Context, op audit.Operator, in CreateRoleInput) (Role, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return Role{}, err
	}
	var created Role
	meta := map[string]string{"name": in.Name}
	err := s.mutate(ctx, op, audit.OpRoleCreate, ResourceRole, "", meta, func(ctx context.Context, e *audit.Entry) error {
		var err error
		created, err = s.store.CreateRole(ctx, NewRole{Name: in.Name, DisplayName: in.DisplayName}, e)
		return err
	})
	return created, err
}

func (s *AdminService) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, WrapStoreError(err)
	}
	if roles == nil {
		roles = []Role{}
	}
	return roles, nil
}

// DeleteRole removes a role together with its grants and assignments.
func (s *AdminService) DeleteRole(ctx context.Context, op audit.Operator, roleID int64) error {
	if roleID <= 0 {
		return fmt.Errorf("%w: role id must be positive", ErrValidation)
	}
	return s.mutate(ctx, op, audit.OpRoleDelete, ResourceRole, strconv.FormatInt(roleID, 10), nil, func(ctx context.Context, e *audit.Entry) error {
		return s.store.DeleteRole(ctx, roleID, e)
	})
}

// GrantPermission is idempotent: granting an existing pair succeeds without a duplicate row.
func (s *AdminService) GrantPermission(ctx context.Context, op audit.Operator, roleID int64, code string) error {
	c, err := ParseCapability(code)
	if err != nil {
		return err
	}
	if roleID <= 0 {
		return fmt.Errorf("%w: role id must be positive", ErrValidation)
	}
	meta := map[string]string{"permission": c.String()}
	return s.mutate(ctx, op, audit.OpRolePermissionAdd, ResourceRole, strconv.FormatInt(roleID, 10), meta, func(ctx context.Context, e *audit.Entry) error {
		return s.store.GrantPermission(ctx, roleID, c, e)
	})
}

// RevokePermission returns ErrNotFound when the role does not hold the permission.
func (s *AdminService) RevokePermission(ctx context.Context, op audit.Operator, roleID int64, code string) error {
	c, err := ParseCapability(code)
	if err != nil {
		return err
	}
	if roleID <= 0 {
		return fmt.Errorf("%w: role id must be positive", ErrValidation)
	}
	meta := map[string]string{"permission": c.String()}
	return s.mutate(ctx, op, audit.OpRolePermissionDrop, ResourceRole, strconv.FormatInt(roleID, 10), meta, func(ctx context.Context, e *audit.Entry) error {
		return s.store.RevokePermission(ctx, roleID, c, e)
	})
}

func (s *AdminService) ListPermissions(ctx context.Context) ([]Permission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, WrapStoreError(err)
	}
	if perms == nil {
		perms = []Permission{}
	}
	return perms, nil
}

// Bootstrap creates a sys_admin user unless the username is already taken.
// It reports whether a user was created.
func (s *AdminService) Bootstrap(ctx context.Context, username, password, email string) (bool, error) {
	lctx, cancel := s.bound(ctx)
	_, err := s.store.UserByUsername(lctx, username)
	cancel()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, WrapStoreError(err)
	}
	_, err = s.CreateUser(ctx, audit.SystemOperator, CreateUserInput{
		Username: username,
		Password: password,
		Email:    email,
		Roles:    []string{RoleSysAdmin},
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}
