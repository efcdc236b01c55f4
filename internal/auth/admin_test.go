package auth_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/store/memory"
)

type fixture struct {
	store    *memory.Store
	audit    *audit.Logger
	admin    *auth.AdminService
	resolver *auth.Resolver
	root     audit.Operator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	logger, err := audit.NewLogger(store)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	admin, err := auth.NewAdminService(store, logger, time.Second)
	if err != nil {
		t.Fatalf("NewAdminService: %v", err)
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	created, err := admin.Bootstrap(context.Background(), "root_admin", "changeme123", "root@sleepplanet.app")
	if err != nil || !created {
		t.Fatalf("Bootstrap: %v %v", created, err)
	}
	creds, err := store.UserByUsername(context.Background(), "root_admin")
	if err != nil {
		t.Fatalf("lookup root: %v", err)
	}
	return &fixture{
		store:    store,
		audit:    logger,
		admin:    admin,
		resolver: resolver,
		root:     audit.Operator{ID: creds.ID, Username: creds.Username},
	}
}

func (f *fixture) roleID(t *testing.T, name string) int64 {
	t.Helper()
	id, ok := f.store.RoleID(name)
	if !ok {
		t.Fatalf("role %s missing", name)
	}
	return id
}

func (f *fixture) createUser(t *testing.T, username string, roles ...string) auth.User {
	t.Helper()
	u, err := f.admin.CreateUser(context.Background(), f.root, auth.CreateUserInput{
		Username: username,
		Password: "password1",
		Email:    username + "@sleepplanet.app",
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func TestEffectivePermissionsIsUnionOfRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	extra, err := f.admin.CreateRole(ctx, f.root, auth.CreateRoleInput{Name: "auditor"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	for _, code := range []string{"audit:list", "audio:read"} {
		if err := f.admin.GrantPermission(ctx, f.root, extra.ID, code); err != nil {
			t.Fatalf("GrantPermission(%s): %v", code, err)
		}
	}
	u := f.createUser(t, "mixed_user", auth.RoleContentAdmin, "auditor")

	set, err := f.resolver.EffectivePermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	want := map[string]bool{"audit:list": true}
	for _, c := range auth.ContentAdminCapabilities() {
		want[c.String()] = true
	}
	if set.Len() != len(want) {
		t.Fatalf("expected %d permissions, got %v", len(want), set.Codes())
	}
	for _, code := range set.Codes() {
		if !want[code] {
			t.Fatalf("unexpected permission %s", code)
		}
	}
}

func TestNoRolesMeansNoPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "lonely_user", auth.RoleContentAdmin)
	if err := f.admin.UnassignRole(ctx, f.root, u.ID, f.roleID(t, auth.RoleContentAdmin)); err != nil {
		t.Fatalf("UnassignRole: %v", err)
	}

	set, err := f.resolver.EffectivePermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set, got %v", set.Codes())
	}
	for _, c := range auth.AllCapabilities() {
		ok, err := f.resolver.HasPermission(ctx, u.ID, c)
		if err != nil || ok {
			t.Fatalf("HasPermission(%s)=%v %v", c, ok, err)
		}
	}
}

func TestInactiveRoleContributesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "content_user", auth.RoleContentAdmin)
	if err := f.store.SetRoleActive(f.roleID(t, auth.RoleContentAdmin), false); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}
	ok, err := f.resolver.HasPermission(ctx, u.ID, auth.Capability{Resource: auth.ResourceAudio, Action: auth.ActionRead})
	if err != nil || ok {
		t.Fatalf("inactive role granted access: %v %v", ok, err)
	}
}

func TestGrantVisibleOnNextResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "editor_one", auth.RoleContentAdmin)
	audioDelete := auth.Capability{Resource: auth.ResourceAudio, Action: auth.ActionDelete}
	roleID := f.roleID(t, auth.RoleContentAdmin)

	if ok, _ := f.resolver.HasPermission(ctx, u.ID, audioDelete); ok {
		t.Fatal("audio:delete granted before the grant")
	}
	if err := f.admin.GrantPermission(ctx, f.root, roleID, "audio:delete"); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if ok, _ := f.resolver.HasPermission(ctx, u.ID, audioDelete); !ok {
		t.Fatal("audio:delete missing after the grant")
	}
	if err := f.admin.RevokePermission(ctx, f.root, roleID, "audio:delete"); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if ok, _ := f.resolver.HasPermission(ctx, u.ID, audioDelete); ok {
		t.Fatal("audio:delete still granted after revoke")
	}
}

func TestDeleteRoleCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.admin.CreateRole(ctx, f.root, auth.CreateRoleInput{Name: "tagger", DisplayName: "Tag curator"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := f.admin.GrantPermission(ctx, f.root, role.ID, "tag:update"); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	u := f.createUser(t, "tag_person", "tagger")
	if ok, _ := f.resolver.HasPermission(ctx, u.ID, auth.Capability{Resource: auth.ResourceTag, Action: auth.ActionUpdate}); !ok {
		t.Fatal("expected tag:update before delete")
	}

	if err := f.admin.DeleteRole(ctx, f.root, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	set, err := f.resolver.EffectivePermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected cascade to clear permissions, got %v", set.Codes())
	}
	got, err := f.admin.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(got.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", got.Roles)
	}
}

func TestFreezeWritesExactlyOneAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequestID(context.Background(), "req-freeze")
	u := f.createUser(t, "to_freeze", auth.RoleContentAdmin)
	before := len(f.store.AuditEntries())

	start := time.Now().UTC()
	if err := f.admin.FreezeUser(ctx, f.root, u.ID); err != nil {
		t.Fatalf("FreezeUser: %v", err)
	}
	entries := f.store.AuditEntries()[before:]
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Operation != audit.OpUserFreeze || e.Operator != f.root {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.ResourceID != strconv.FormatInt(u.ID, 10) || e.RequestID != "req-freeze" {
		t.Fatalf("unexpected target: %+v", e)
	}
	if d := e.OccurredAt.Sub(start); d < 0 || d > 5*time.Second {
		t.Fatalf("timestamp too far from operation: %v", d)
	}

	got, err := f.admin.GetUser(ctx, u.ID)
	if err != nil || got.Active {
		t.Fatalf("expected frozen user, got %+v %v", got, err)
	}
}

func TestFailedMutationWritesNoAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := len(f.store.AuditEntries())

	if err := f.admin.FreezeUser(ctx, f.root, 9999); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.admin.RevokePermission(ctx, f.root, f.roleID(t, auth.RoleContentAdmin), "user:delete"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.admin.GrantPermission(ctx, f.root, 1, "playlist:read"); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := f.admin.FreezeUser(ctx, f.root, f.root.ID); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected self-freeze rejection, got %v", err)
	}
	if got := len(f.store.AuditEntries()) - before; got != 0 {
		t.Fatalf("expected no audit entries, got %d", got)
	}
}

func TestCanceledContextDoesNotAudit(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "cancel_me", auth.RoleContentAdmin)
	before := len(f.store.AuditEntries())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.admin.FreezeUser(ctx, f.root, u.ID); err == nil {
		t.Fatal("expected canceled mutation to fail")
	}
	if got := len(f.store.AuditEntries()) - before; got != 0 {
		t.Fatalf("expected no audit entries, got %d", got)
	}
}

func TestConcurrentGrantRevokeEndsInLastCommittedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roleID := f.roleID(t, auth.RoleContentAdmin)
	const code = "audio:delete"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.admin.GrantPermission(ctx, f.root, roleID, code)
		}()
		go func() {
			defer wg.Done()
			_ = f.admin.RevokePermission(ctx, f.root, roleID, code)
		}()
	}
	wg.Wait()

	var last string
	for _, e := range f.store.AuditEntries() {
		if e.Metadata["permission"] == code {
			last = e.Operation
		}
	}
	roles, err := f.admin.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	occurrences := 0
	for _, r := range roles {
		if r.ID != roleID {
			continue
		}
		for _, p := range r.Permissions {
			if p == code {
				occurrences++
			}
		}
	}
	if occurrences > 1 {
		t.Fatalf("duplicate grant rows: %d", occurrences)
	}
	if held := occurrences == 1; held != (last == audit.OpRolePermissionAdd) {
		t.Fatalf("final state held=%v does not match last committed %s", held, last)
	}
}

func TestCreateUserValidationAndConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]auth.CreateUserInput{
		"short username": {Username: "abc", Password: "password1", Email: "a@b.co", Roles: []string{auth.RoleContentAdmin}},
		"bad chars":      {Username: "bad-name", Password: "password1", Email: "a@b.co", Roles: []string{auth.RoleContentAdmin}},
		"no digit":       {Username: "gooduser", Password: "password", Email: "a@b.co", Roles: []string{auth.RoleContentAdmin}},
		"long password":  {Username: "gooduser", Password: "password1password1password1password1", Email: "a@b.co", Roles: []string{auth.RoleContentAdmin}},
		"bad email":      {Username: "gooduser", Password: "password1", Email: "nope", Roles: []string{auth.RoleContentAdmin}},
		"bad phone":      {Username: "gooduser", Password: "password1", Email: "a@b.co", Phone: "12ab", Roles: []string{auth.RoleContentAdmin}},
		"no roles":       {Username: "gooduser", Password: "password1", Email: "a@b.co"},
		"unknown role":   {Username: "gooduser", Password: "password1", Email: "a@b.co", Roles: []string{"dj"}},
	}
	for name, in := range cases {
		if _, err := f.admin.CreateUser(ctx, f.root, in); !errors.Is(err, auth.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}

	f.createUser(t, "taken_name", auth.RoleContentAdmin)
	_, err := f.admin.CreateUser(ctx, f.root, auth.CreateUserInput{
		Username: "taken_name", Password: "password1", Email: "other@sleepplanet.app", Roles: []string{auth.RoleContentAdmin},
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for username, got %v", err)
	}
	_, err = f.admin.CreateUser(ctx, f.root, auth.CreateUserInput{
		Username: "fresh_name", Password: "password1", Email: "taken_name@sleepplanet.app", Roles: []string{auth.RoleContentAdmin},
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for email, got %v", err)
	}
	if _, err := f.admin.CreateRole(ctx, f.root, auth.CreateRoleInput{Name: auth.RoleSysAdmin}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict for role, got %v", err)
	}
}

func TestCreateUserAuditCarriesNewID(t *testing.T) {
	f := newFixture(t)
	u := f.createUser(t, "audited_user", auth.RoleContentAdmin)
	entries := f.store.AuditEntries()
	last := entries[len(entries)-1]
	if last.Operation != audit.OpUserCreate || last.ResourceID != strconv.FormatInt(u.ID, 10) {
		t.Fatalf("unexpected entry: %+v", last)
	}
}

func TestPrincipalRejectsFrozenUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "soon_frozen", auth.RoleContentAdmin)
	claims := &auth.Claims{}
	claims.Subject = strconv.FormatInt(u.ID, 10)
	claims.ID = "jti-1"

	p, err := f.resolver.Principal(ctx, claims)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.Username != "soon_frozen" || !p.Has(auth.Capability{Resource: auth.ResourceAudio, Action: auth.ActionCreate}) {
		t.Fatalf("unexpected principal: %+v", p)
	}

	if err := f.admin.FreezeUser(ctx, f.root, u.ID); err != nil {
		t.Fatalf("FreezeUser: %v", err)
	}
	if _, err := f.resolver.Principal(ctx, claims); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for frozen user, got %v", err)
	}
	claims.Subject = "424242"
	if _, err := f.resolver.Principal(ctx, claims); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for missing user, got %v", err)
	}
}

type slowSource struct{}

func (slowSource) UserByID(ctx context.Context, _ int64) (auth.User, error) {
	<-ctx.Done()
	return auth.User{}, ctx.Err()
}

func (slowSource) EffectivePermissions(ctx context.Context, _ int64) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolverTimeoutIsStoreUnavailable(t *testing.T) {
	r, err := auth.NewResolver(slowSource{}, auth.WithResolverTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	_, err = r.EffectivePermissions(context.Background(), 1)
	if !errors.Is(err, auth.ErrStoreUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected store unavailable deadline, got %v", err)
	}
}

type downSource struct{ err error }

func (s downSource) UserByID(context.Context, int64) (auth.User, error) {
	return auth.User{}, s.err
}

func (s downSource) EffectivePermissions(context.Context, int64) ([]string, error) {
	return nil, s.err
}

func TestResolverConnectionFailureIsStoreUnavailable(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	r, err := auth.NewResolver(downSource{err: refused})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if _, err := r.EffectivePermissions(context.Background(), 1); !errors.Is(err, auth.ErrStoreUnavailable) || !errors.Is(err, refused) {
		t.Fatalf("EffectivePermissions: expected store unavailable, got %v", err)
	}
	if _, err := r.Principal(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}}); !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Fatalf("Principal: expected store unavailable, got %v", err)
	}
}

func TestWrapStoreErrorKeepsDomainOutcomes(t *testing.T) {
	for _, err := range []error{auth.ErrNotFound, auth.ErrConflict, auth.ErrValidation, context.Canceled} {
		if got := auth.WrapStoreError(err); errors.Is(got, auth.ErrStoreUnavailable) {
			t.Fatalf("%v must not become store unavailable", err)
		}
	}
	if auth.WrapStoreError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	f := newFixture(t)
	created, err := f.admin.Bootstrap(context.Background(), "root_admin", "changeme123", "root@sleepplanet.app")
	if err != nil || created {
		t.Fatalf("second bootstrap should be a no-op: %v %v", created, err)
	}
	set, err := f.resolver.EffectivePermissions(context.Background(), f.root.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if set.Len() != len(auth.AllCapabilities()) {
		t.Fatalf("sys_admin should hold the whole catalog, got %d", set.Len())
	}
}
