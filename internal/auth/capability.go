package auth

import (
	"fmt"
	"sort"
	"strings"
)

type Resource string

const (
	ResourceUser       Resource = "user"
	ResourceRole       Resource = "role"
	ResourcePermission Resource = "permission"
	ResourceAudio      Resource = "audio"
	ResourceCategory   Resource = "category"
	ResourceTag        Resource = "tag"
	ResourceAudit      Resource = "audit"
)

var resources = []Resource{
	ResourceUser, ResourceRole, ResourcePermission,
	ResourceAudio, ResourceCategory, ResourceTag, ResourceAudit,
}

type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionList   Action = "list"
)

var actions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList}

// Capability is a resource:action pair from the closed catalog.
type Capability struct {
	Resource Resource
	Action   Action
}

func (c Capability) String() string {
	return string(c.Resource) + ":" + string(c.Action)
}

// Valid reports whether c belongs to the catalog.
func (c Capability) Valid() bool {
	return validResource(c.Resource) && validAction(c.Action)
}

func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Capability) UnmarshalText(b []byte) error {
	parsed, err := ParseCapability(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Capabilities required by the admin routes.
var (
	CapUserCreate       = Capability{ResourceUser, ActionCreate}
	CapUserRead         = Capability{ResourceUser, ActionRead}
	CapUserUpdate       = Capability{ResourceUser, ActionUpdate}
	CapUserList         = Capability{ResourceUser, ActionList}
	CapRoleCreate       = Capability{ResourceRole, ActionCreate}
	CapRoleDelete       = Capability{ResourceRole, ActionDelete}
	CapRoleList         = Capability{ResourceRole, ActionList}
	CapPermissionUpdate = Capability{ResourcePermission, ActionUpdate}
	CapPermissionList   = Capability{ResourcePermission, ActionList}
	CapAuditList        = Capability{ResourceAudit, ActionList}
)

// ParseCapability parses "resource:action" and rejects pairs outside the catalog.
func ParseCapability(code string) (Capability, error) {
	res, act, ok := strings.Cut(strings.TrimSpace(strings.ToLower(code)), ":")
	if !ok {
		return Capability{}, fmt.Errorf("%w: permission code %q must be resource:action", ErrValidation, code)
	}
	c := Capability{Resource: Resource(res), Action: Action(act)}
	if !c.Valid() {
		return Capability{}, fmt.Errorf("%w: unknown permission %q", ErrValidation, code)
	}
	return c, nil
}

// AllCapabilities lists the catalog in resource, then action order.
func AllCapabilities() []Capability {
	out := make([]Capability, 0, len(resources)*len(actions))
	for _, r := range resources {
		for _, a := range actions {
			out = append(out, Capability{Resource: r, Action: a})
		}
	}
	return out
}

// CapabilitiesFor returns every action on the given resources.
func CapabilitiesFor(rs ...Resource) []Capability {
	var out []Capability
	for _, r := range rs {
		for _, a := range actions {
			out = append(out, Capability{Resource: r, Action: a})
		}
	}
	return out
}

// ContentAdminCapabilities is the seeded grant set of content_admin: every
// action on audio, category and tag except delete.
func ContentAdminCapabilities() []Capability {
	var out []Capability
	for _, c := range CapabilitiesFor(ResourceAudio, ResourceCategory, ResourceTag) {
		if c.Action != ActionDelete {
			out = append(out, c)
		}
	}
	return out
}

func validResource(r Resource) bool {
	for _, known := range resources {
		if r == known {
			return true
		}
	}
	return false
}

func validAction(a Action) bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// PermissionSet is an effective permission set. The zero value is empty.
type PermissionSet map[Capability]struct{}

// NewPermissionSet builds a set from stored codes. Codes outside the catalog
// are returned separately so callers can log them.
func NewPermissionSet(codes []string) (PermissionSet, []string) {
	set := make(PermissionSet, len(codes))
	var unknown []string
	for _, code := range codes {
		c, err := ParseCapability(code)
		if err != nil {
			unknown = append(unknown, code)
			continue
		}
		set[c] = struct{}{}
	}
	return set, unknown
}

func (s PermissionSet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s PermissionSet) Len() int { return len(s) }

// Codes returns the sorted resource:action strings.
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}
