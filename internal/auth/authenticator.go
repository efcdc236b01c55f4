package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/obs"
)

// LoginResult is returned to a user after successful authentication.
type LoginResult struct {
	User  User
	Token Token
}

// Authenticator verifies passwords and issues session tokens.
type Authenticator struct {
	store   CredentialReader
	tokens  *TokenService
	audit   *audit.Logger
	timeout time.Duration
}

func NewAuthenticator(store CredentialReader, tokens *TokenService, logger *audit.Logger, timeout time.Duration) (*Authenticator, error) {
	if store == nil || tokens == nil || logger == nil {
		return nil, errors.New("authenticator requires store, token service and audit logger")
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Authenticator{store: store, tokens: tokens, audit: logger, timeout: timeout}, nil
}

// Login returns ErrInvalidCredentials for an unknown user, a frozen user and
// a wrong password alike.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	if err := validateStruct(in); err != nil {
		return LoginResult{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.timeout)
	creds, err := a.store.UserByUsername(sctx, in.Username)
	cancel()
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(in.Password)
		a.logFailure(ctx, in.Username, "unknown_user")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, WrapStoreError(err)
	}
	ok, err := VerifyPassword(creds.PasswordHash, in.Password)
	if err != nil {
		return LoginResult{}, fmt.Errorf("verify password for user %d: %w", creds.ID, err)
	}
	if !ok {
		a.logFailure(ctx, in.Username, "bad_password")
		return LoginResult{}, ErrInvalidCredentials
	}
	if !creds.Active {
		a.logFailure(ctx, in.Username, "frozen")
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := a.tokens.Issue(creds.User)
	if err != nil {
		return LoginResult{}, err
	}
	entry := a.audit.Prepare(ctx, audit.Operator{ID: creds.ID, Username: creds.Username}, audit.OpLogin, string(ResourceUser), strconv.FormatInt(creds.ID, 10))
	entry.Metadata = map[string]string{"token_id": token.ID}
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.audit.Record(rctx, entry); err != nil {
		return LoginResult{}, WrapStoreError(err)
	}
	return LoginResult{User: creds.User, Token: token}, nil
}

// Logout deny-lists the presented token until its expiry. The token is
// revoked before the audit entry is written: if recording fails the caller
// sees an error, but the token is already unusable.
func (a *Authenticator) Logout(ctx context.Context, p Principal, claims *Claims) error {
	if err := a.tokens.Revoke(ctx, claims); err != nil {
		return err
	}
	entry := a.audit.Prepare(ctx, p.Operator(), audit.OpLogout, string(ResourceUser), strconv.FormatInt(p.UserID, 10))
	entry.Metadata = map[string]string{"token_id": claims.ID}
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return WrapStoreError(a.audit.Record(rctx, entry))
}

func (a *Authenticator) logFailure(ctx context.Context, username, reason string) {
	obs.Warn("login_failed", map[string]any{
		"username":   username,
		"reason":     reason,
		"request_id": audit.RequestIDFromContext(ctx),
	})
}
