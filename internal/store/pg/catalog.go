package pg

import (
	"context"
	"sort"

	"sleepplanet.app/internal/auth"
)

// CatalogDrift compares the permissions table with the capability catalog
// compiled into the service. missing lists catalog codes absent from the
// table, so no role can be granted them; unknown lists rows the resolver
// ignores.
func (s *Store) CatalogDrift(ctx context.Context) (missing, unknown []string, err error) {
	perms, err := s.ListPermissions(ctx)
	if err != nil {
		return nil, nil, err
	}
	stored := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		stored[p.Code] = struct{}{}
	}
	for _, c := range auth.AllCapabilities() {
		code := c.String()
		if _, ok := stored[code]; ok {
			delete(stored, code)
			continue
		}
		missing = append(missing, code)
	}
	for code := range stored {
		unknown = append(unknown, code)
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return missing, unknown, nil
}
