package auth

import (
	"context"
	"time"

	"sleepplanet.app/internal/audit"
)

// Seeded role names.
const (
	RoleSysAdmin     = "sys_admin"
	RoleContentAdmin = "content_admin"
)

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credentials pairs a user with the stored password hash.
type Credentials struct {
	User
	PasswordHash string
}

type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

type Permission struct {
	ID       int64    `json:"id"`
	Code     string   `json:"code"`
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// NewUser is a validated user ready for insertion.
type NewUser struct {
	Username     string
	Email        string
	Phone        string
	PasswordHash string
	RoleNames    []string
}

type NewRole struct {
	Name        string
	DisplayName string
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// CredentialReader is the read side of the credential store.
type CredentialReader interface {
	UserByUsername(ctx context.Context, username string) (Credentials, error)
	UserByID(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context, page Page) ([]User, int, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	// EffectivePermissions returns the union of permission codes granted to
	// the user's active roles, read in one consistent query.
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// CredentialWriter mutates credential data. Every method writes entry in the
// same transaction as the change, so the entry exists iff the change commits.
// Create methods fill entry.ResourceID with the new row id.
type CredentialWriter interface {
	CreateUser(ctx context.Context, u NewUser, entry *audit.Entry) (User, error)
	SetUserActive(ctx context.Context, userID int64, active bool, entry *audit.Entry) error
	AssignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error
	UnassignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error
	CreateRole(ctx context.Context, r NewRole, entry *audit.Entry) (Role, error)
	DeleteRole(ctx context.Context, roleID int64, entry *audit.Entry) error
	GrantPermission(ctx context.Context, roleID int64, c Capability, entry *audit.Entry) error
	RevokePermission(ctx context.Context, roleID int64, c Capability, entry *audit.Entry) error
}

// Store is the full credential store.
type Store interface {
	CredentialReader
	CredentialWriter
	audit.Store
}

// RevocationList records revoked token ids until their natural expiry.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
