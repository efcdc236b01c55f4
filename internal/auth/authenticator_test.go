package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/revoke"
)

func newAuthenticator(t *testing.T, f *fixture) (*auth.Authenticator, *auth.TokenService) {
	t.Helper()
	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"),
		auth.WithRevocationList(revoke.NewMemory(time.Now)))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	a, err := auth.NewAuthenticator(f.store, tokens, f.audit, time.Second)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a, tokens
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	f := newFixture(t)
	a, tokens := newAuthenticator(t, f)
	ctx := context.Background()

	res, err := a.Login(ctx, auth.LoginInput{Username: "root_admin", Password: "changeme123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != f.root.ID || res.Token.Value == "" {
		t.Fatalf("unexpected login result: %+v", res)
	}
	claims, err := tokens.Verify(ctx, res.Token.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Username != "root_admin" || len(claims.Roles) != 1 || claims.Roles[0] != auth.RoleSysAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	entries := f.store.AuditEntries()
	last := entries[len(entries)-1]
	if last.Operation != audit.OpLogin || last.Metadata["token_id"] != res.Token.ID {
		t.Fatalf("unexpected login audit entry: %+v", last)
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	f := newFixture(t)
	a, _ := newAuthenticator(t, f)
	ctx := context.Background()
	frozen := f.createUser(t, "frozen_one", auth.RoleContentAdmin)
	if err := f.admin.FreezeUser(ctx, f.root, frozen.ID); err != nil {
		t.Fatalf("FreezeUser: %v", err)
	}
	before := len(f.store.AuditEntries())

	for name, in := range map[string]auth.LoginInput{
		"unknown user":   {Username: "nobody_here", Password: "password1"},
		"wrong password": {Username: "root_admin", Password: "changeme124"},
		"frozen user":    {Username: "frozen_one", Password: "password1"},
	} {
		_, err := a.Login(ctx, in)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
		if err.Error() != auth.ErrInvalidCredentials.Error() {
			t.Fatalf("%s: error text leaks detail: %q", name, err.Error())
		}
	}
	if got := len(f.store.AuditEntries()) - before; got != 0 {
		t.Fatalf("failed logins must not be audited, got %d", got)
	}

	if _, err := a.Login(ctx, auth.LoginInput{Username: "ab", Password: "x"}); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	a, tokens := newAuthenticator(t, f)
	ctx := context.Background()

	res, err := a.Login(ctx, auth.LoginInput{Username: "root_admin", Password: "changeme123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := tokens.Verify(ctx, res.Token.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p, err := f.resolver.Principal(ctx, claims)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if err := a.Logout(ctx, p, claims); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := tokens.Verify(ctx, res.Token.Value); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}

	entries := f.store.AuditEntries()
	if last := entries[len(entries)-1]; last.Operation != audit.OpLogout || last.Operator != f.root {
		t.Fatalf("unexpected logout audit entry: %+v", last)
	}
}

type unwritableAudit struct {
	audit.Store
}

func (unwritableAudit) AppendAudit(context.Context, audit.Entry) error {
	return errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

func TestLogoutRevokesEvenWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger, err := audit.NewLogger(unwritableAudit{f.store})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"),
		auth.WithRevocationList(revoke.NewMemory(time.Now)))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	a, err := auth.NewAuthenticator(f.store, tokens, logger, time.Second)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	user, err := f.store.UserByID(ctx, f.root.ID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	tok, err := tokens.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Verify(ctx, tok.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p, err := f.resolver.Principal(ctx, claims)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}

	before := len(f.store.AuditEntries())
	if err := a.Logout(ctx, p, claims); !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := tokens.Verify(ctx, tok.Value); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("token must be revoked despite the audit failure, got %v", err)
	}
	if got := len(f.store.AuditEntries()); got != before {
		t.Fatalf("expected no new audit entries, got %d", got-before)
	}
}
