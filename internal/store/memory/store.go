// Package memory is an in-process credential and audit store used for tests
// and for running the API without PostgreSQL. A single lock guards all
// state, so each mutation and its audit entry become visible together.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

type userRow struct {
	user auth.User
	hash string
}

type Store struct {
	mu    sync.RWMutex
	clock func() time.Time

	nextUserID int64
	nextRoleID int64

	users     map[int64]*userRow
	usernames map[string]int64
	emails    map[string]int64
	phones    map[string]int64

	roles     map[int64]*auth.Role
	roleNames map[string]int64

	perms     map[auth.Capability]auth.Permission
	rolePerms map[int64]map[auth.Capability]struct{}
	userRoles map[int64]map[int64]struct{}

	entries []audit.Entry
}

var _ auth.Store = (*Store)(nil)

type Option func(*Store)

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// New returns a store seeded with the permission catalog and the default
// sys_admin and content_admin roles.
func New(opts ...Option) *Store {
	s := &Store{
		clock:     time.Now,
		users:     make(map[int64]*userRow),
		usernames: make(map[string]int64),
		emails:    make(map[string]int64),
		phones:    make(map[string]int64),
		roles:     make(map[int64]*auth.Role),
		roleNames: make(map[string]int64),
		perms:     make(map[auth.Capability]auth.Permission),
		rolePerms: make(map[int64]map[auth.Capability]struct{}),
		userRoles: make(map[int64]map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, c := range auth.AllCapabilities() {
		s.perms[c] = auth.Permission{ID: int64(i + 1), Code: c.String(), Resource: c.Resource, Action: c.Action}
	}
	s.seedRole(auth.RoleSysAdmin, "System administrator", auth.AllCapabilities())
	s.seedRole(auth.RoleContentAdmin, "Content administrator", auth.ContentAdminCapabilities())
	return s
}

func (s *Store) seedRole(name, display string, caps []auth.Capability) {
	s.nextRoleID++
	id := s.nextRoleID
	s.roles[id] = &auth.Role{ID: id, Name: name, DisplayName: display, Active: true, CreatedAt: s.clock().UTC()}
	s.roleNames[name] = id
	s.rolePerms[id] = make(map[auth.Capability]struct{}, len(caps))
	for _, c := range caps {
		s.rolePerms[id][c] = struct{}{}
	}
}

// SetRoleActive toggles a role without auditing. It stands in for the
// deploy-time seed that controls role activity in PostgreSQL.
func (s *Store) SetRoleActive(roleID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	r.Active = active
	return nil
}

// RoleID looks up a role by name.
func (s *Store) RoleID(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleNames[name]
	return id, ok
}

// AuditEntries returns a copy of every stored entry in insertion order.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.entries...)
}

func (s *Store) UserByUsername(_ context.Context, username string) (auth.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return auth.Credentials{}, auth.ErrNotFound
	}
	row := s.users[id]
	return auth.Credentials{User: s.viewLocked(row), PasswordHash: row.hash}, nil
}

func (s *Store) UserByID(_ context.Context, id int64) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return s.viewLocked(row), nil
}

func (s *Store) ListUsers(_ context.Context, page auth.Page) ([]auth.User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	total := len(ids)
	if page.Offset >= total {
		return nil, total, nil
	}
	end := total
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	out := make([]auth.User, 0, end-page.Offset)
	for _, id := range ids[page.Offset:end] {
		out = append(out, s.viewLocked(s.users[id]))
	}
	return out, total, nil
}

// viewLocked copies a user with the names of its active roles.
func (s *Store) viewLocked(row *userRow) auth.User {
	u := row.user
	u.Roles = []string{}
	for roleID := range s.userRoles[u.ID] {
		if r := s.roles[roleID]; r != nil && r.Active {
			u.Roles = append(u.Roles, r.Name)
		}
	}
	sort.Strings(u.Roles)
	return u
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for id, r := range s.roles {
		role := *r
		role.Permissions = []string{}
		for c := range s.rolePerms[id] {
			role.Permissions = append(role.Permissions, c.String())
		}
		sort.Strings(role.Permissions)
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EffectivePermissions(_ context.Context, userID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[auth.Capability]struct{})
	for roleID := range s.userRoles[userID] {
		r := s.roles[roleID]
		if r == nil || !r.Active {
			continue
		}
		for c := range s.rolePerms[roleID] {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.NewUser, entry *audit.Entry) (auth.User, error) {
	if err := ctx.Err(); err != nil {
		return auth.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[u.Username]; ok {
		return auth.User{}, fmt.Errorf("%w: username %q already exists", auth.ErrConflict, u.Username)
	}
	if _, ok := s.emails[u.Email]; ok {
		return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
	}
	if u.Phone != "" {
		if _, ok := s.phones[u.Phone]; ok {
			return auth.User{}, fmt.Errorf("%w: phone already registered", auth.ErrConflict)
		}
	}
	roleIDs := make([]int64, 0, len(u.RoleNames))
	for _, name := range u.RoleNames {
		id, ok := s.roleNames[name]
		if !ok {
			return auth.User{}, fmt.Errorf("%w: role %q does not exist", auth.ErrValidation, name)
		}
		roleIDs = append(roleIDs, id)
	}

	s.nextUserID++
	now := s.clock().UTC()
	row := &userRow{
		user: auth.User{
			ID:        s.nextUserID,
			Username:  u.Username,
			Email:     u.Email,
			Phone:     u.Phone,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		hash: u.PasswordHash,
	}
	s.users[row.user.ID] = row
	s.usernames[u.Username] = row.user.ID
	s.emails[u.Email] = row.user.ID
	if u.Phone != "" {
		s.phones[u.Phone] = row.user.ID
	}
	assigned := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		assigned[id] = struct{}{}
	}
	s.userRoles[row.user.ID] = assigned

	entry.ResourceID = strconv.FormatInt(row.user.ID, 10)
	s.entries = append(s.entries, *entry)
	return s.viewLocked(row), nil
}

func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	row.user.Active = active
	row.user.UpdatedAt = s.clock().UTC()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %d", auth.ErrNotFound, userID)
	}
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	if s.userRoles[userID] == nil {
		s.userRoles[userID] = make(map[int64]struct{})
	}
	s.userRoles[userID][roleID] = struct{}{}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userRoles[userID][roleID]; !ok {
		return fmt.Errorf("%w: user %d does not hold role %d", auth.ErrNotFound, userID, roleID)
	}
	delete(s.userRoles[userID], roleID)
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) CreateRole(ctx context.Context, r auth.NewRole, entry *audit.Entry) (auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return auth.Role{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleNames[r.Name]; ok {
		return auth.Role{}, fmt.Errorf("%w: role %q already exists", auth.ErrConflict, r.Name)
	}
	s.nextRoleID++
	role := &auth.Role{
		ID:          s.nextRoleID,
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Active:      true,
		CreatedAt:   s.clock().UTC(),
	}
	s.roles[role.ID] = role
	s.roleNames[role.Name] = role.ID
	s.rolePerms[role.ID] = make(map[auth.Capability]struct{})

	entry.ResourceID = strconv.FormatInt(role.ID, 10)
	s.entries = append(s.entries, *entry)
	out := *role
	out.Permissions = []string{}
	return out, nil
}

// DeleteRole cascades to grants and assignments.
func (s *Store) DeleteRole(ctx context.Context, roleID int64, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return auth.ErrNotFound
	}
	delete(s.roles, roleID)
	delete(s.roleNames, r.Name)
	delete(s.rolePerms, roleID)
	for _, held := range s.userRoles {
		delete(held, roleID)
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) GrantPermission(ctx context.Context, roleID int64, c auth.Capability, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	if _, ok := s.perms[c]; !ok {
		return fmt.Errorf("%w: permission %s", auth.ErrNotFound, c)
	}
	s.rolePerms[roleID][c] = struct{}{}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) RevokePermission(ctx context.Context, roleID int64, c auth.Capability, entry *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolePerms[roleID][c]; !ok {
		return fmt.Errorf("%w: role %d does not hold %s", auth.ErrNotFound, roleID, c)
	}
	delete(s.rolePerms[roleID], c)
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *Store) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	s.mu.RLock()
	var matched []audit.Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			if f.Ascending {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.OccurredAt.After(b.OccurredAt)
		}
		if f.Ascending {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}
