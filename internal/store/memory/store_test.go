package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

func entry(op string, at time.Time) *audit.Entry {
	return &audit.Entry{
		ID:         op + at.Format("150405"),
		Operation:  op,
		Operator:   audit.SystemOperator,
		Resource:   "user",
		Outcome:    audit.OutcomeSuccess,
		OccurredAt: at,
	}
}

func TestNewSeedsCatalogAndRoles(t *testing.T) {
	s := New()
	ctx := context.Background()

	perms, err := s.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, len(auth.AllCapabilities()))

	roles, err := s.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	require.Equal(t, auth.RoleContentAdmin, roles[0].Name)
	require.Equal(t, auth.RoleSysAdmin, roles[1].Name)
	require.Len(t, roles[1].Permissions, len(auth.AllCapabilities()))
	require.NotContains(t, roles[0].Permissions, "audio:delete")
	require.Contains(t, roles[0].Permissions, "audio:update")
	require.Empty(t, s.AuditEntries(), "seeding is not audited")
}

func TestCreateUserUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	e := entry(audit.OpUserCreate, now)
	u, err := s.CreateUser(ctx, auth.NewUser{Username: "alice", Email: "a@x.io", Phone: "+100", PasswordHash: "h", RoleNames: []string{auth.RoleContentAdmin}}, e)
	require.NoError(t, err)
	require.Equal(t, "1", e.ResourceID)
	require.Equal(t, []string{auth.RoleContentAdmin}, u.Roles)

	cases := map[string]auth.NewUser{
		"username": {Username: "alice", Email: "b@x.io"},
		"email":    {Username: "bob", Email: "a@x.io"},
		"phone":    {Username: "bob", Email: "b@x.io", Phone: "+100"},
	}
	for name, nu := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateUser(ctx, nu, entry(audit.OpUserCreate, now))
			require.ErrorIs(t, err, auth.ErrConflict)
		})
	}

	_, err = s.CreateUser(ctx, auth.NewUser{Username: "carol", Email: "c@x.io", RoleNames: []string{"ghost"}}, entry(audit.OpUserCreate, now))
	require.ErrorIs(t, err, auth.ErrValidation)
	require.Len(t, s.AuditEntries(), 1, "rejected writes leave no entry")
}

func TestDeleteRoleCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	role, err := s.CreateRole(ctx, auth.NewRole{Name: "narrator", DisplayName: "Narrator"}, entry(audit.OpRoleCreate, now))
	require.NoError(t, err)
	c := auth.Capability{Resource: auth.ResourceAudio, Action: auth.ActionCreate}
	require.NoError(t, s.GrantPermission(ctx, role.ID, c, entry(audit.OpRolePermissionAdd, now)))

	u, err := s.CreateUser(ctx, auth.NewUser{Username: "nina", Email: "n@x.io"}, entry(audit.OpUserCreate, now))
	require.NoError(t, err)
	require.NoError(t, s.AssignRole(ctx, u.ID, role.ID, entry(audit.OpUserRoleAssign, now)))

	codes, err := s.EffectivePermissions(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"audio:create"}, codes)

	require.NoError(t, s.DeleteRole(ctx, role.ID, entry(audit.OpRoleDelete, now)))
	codes, err = s.EffectivePermissions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, codes)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, got.Roles)

	err = s.RevokePermission(ctx, role.ID, c, entry(audit.OpRolePermissionDrop, now))
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestInactiveRoleHidden(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, auth.NewUser{Username: "ed", Email: "e@x.io", RoleNames: []string{auth.RoleContentAdmin}}, entry(audit.OpUserCreate, time.Now()))
	require.NoError(t, err)

	id, ok := s.RoleID(auth.RoleContentAdmin)
	require.True(t, ok)
	require.NoError(t, s.SetRoleActive(id, false))

	codes, err := s.EffectivePermissions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, codes)
	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, got.Roles)
}

func TestCanceledContextWritesNothing(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateUser(ctx, auth.NewUser{Username: "late", Email: "l@x.io"}, entry(audit.OpUserCreate, time.Now()))
	require.True(t, errors.Is(err, context.Canceled))
	_, _, err = s.ListUsers(context.Background(), auth.Page{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, s.AuditEntries())
}

func TestQueryAuditOrderAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := entry(audit.OpUserFreeze, base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			e.Operation = audit.OpUserUnfreeze
		}
		require.NoError(t, s.AppendAudit(ctx, *e))
	}

	all, total, err := s.QueryAudit(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.True(t, all[0].OccurredAt.After(all[4].OccurredAt), "newest first by default")

	asc, _, err := s.QueryAudit(ctx, audit.Filter{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	require.Equal(t, base.Add(time.Minute), asc[0].OccurredAt)
	require.Equal(t, base.Add(2*time.Minute), asc[1].OccurredAt)

	unfrozen, total, err := s.QueryAudit(ctx, audit.Filter{Operation: audit.OpUserUnfreeze})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, unfrozen, 2)

	windowed, total, err := s.QueryAudit(ctx, audit.Filter{From: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, windowed, 2)

	past, total, err := s.QueryAudit(ctx, audit.Filter{Offset: 10})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Empty(t, past)
}
