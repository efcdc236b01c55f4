package audit

import (
	"context"
	"errors"
	"time"
)

// Outcome of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Audited operation names.
const (
	OpLogin              = "auth.login"
	OpLogout             = "auth.logout"
	OpUserCreate         = "user.create"
	OpUserFreeze         = "user.freeze"
	OpUserUnfreeze       = "user.unfreeze"
	OpUserRoleAssign     = "user.role.assign"
	OpUserRoleUnassign   = "user.role.unassign"
	OpRoleCreate         = "role.create"
	OpRoleDelete         = "role.delete"
	OpRolePermissionAdd  = "role.permission.grant"
	OpRolePermissionDrop = "role.permission.revoke"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 200
)

var ErrInvalidFilter = errors.New("audit: invalid filter")

// Operator identifies who performed an operation. ID 0 is reserved for the system.
type Operator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

var SystemOperator = Operator{ID: 0, Username: "system"}

type Entry struct {
	ID         string            `json:"id"`
	Operation  string            `json:"operation"`
	Operator   Operator          `json:"operator"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	OccurredAt time.Time         `json:"occurred_at"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	OperatorID *int64
	Resource   string
	Operation  string
	From       time.Time
	To         time.Time
	Ascending  bool
	Limit      int
	Offset     int
}

// Normalize applies paging defaults and rejects inverted time ranges.
func (f Filter) Normalize() (Filter, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Filter{}, errors.Join(ErrInvalidFilter, errors.New("to precedes from"))
	}
	if f.Offset < 0 {
		return Filter{}, errors.Join(ErrInvalidFilter, errors.New("offset must not be negative"))
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f, nil
}

// Matches reports whether e satisfies every constraint of f.
func (f Filter) Matches(e Entry) bool {
	if f.OperatorID != nil && e.Operator.ID != *f.OperatorID {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredAt.After(f.To) {
		return false
	}
	return true
}

// Page is one slice of query results plus the total match count.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Store persists entries. Implementations never update or delete rows.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
	QueryAudit(ctx context.Context, f Filter) ([]Entry, int, error)
}

// Publisher fans committed entries out to other systems.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
	Close() error
}
