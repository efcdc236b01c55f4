package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func operator(r *http.Request) audit.Operator {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Operator()
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r, 50, 200)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, total, err := a.admin.ListUsers(r.Context(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, listResponse[auth.User]{Items: users, Total: total, Limit: page.Limit, Offset: page.Offset})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := a.admin.CreateUser(r.Context(), operator(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/admin/users/%d", u.ID))
	writeOK(w, http.StatusCreated, u)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := a.admin.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, u)
}

func (a *API) handleFreezeUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, false)
}

func (a *API) handleUnfreezeUser(w http.ResponseWriter, r *http.Request) {
	a.setUserActive(w, r, true)
}

func (a *API) setUserActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if active {
		err = a.admin.UnfreezeUser(r.Context(), operator(r), id)
	} else {
		err = a.admin.FreezeUser(r.Context(), operator(r), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	set, err := a.admin.UserPermissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"user_id": id, "permissions": set.Codes()})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	a.changeUserRole(w, r, true)
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	a.changeUserRole(w, r, false)
}

func (a *API) changeUserRole(w http.ResponseWriter, r *http.Request, assign bool) {
	userID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if assign {
		err = a.admin.AssignRole(r.Context(), operator(r), userID, roleID)
	} else {
		err = a.admin.UnassignRole(r.Context(), operator(r), userID, roleID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": roleID, "assigned": assign})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.admin.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, listResponse[auth.Role]{Items: roles, Total: len(roles), Limit: len(roles)})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateRoleInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := a.admin.CreateRole(r.Context(), operator(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/admin/roles/%d", role.ID))
	writeOK(w, http.StatusCreated, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.admin.DeleteRole(r.Context(), operator(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	a.changeRolePermission(w, r, true)
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	a.changeRolePermission(w, r, false)
}

func (a *API) changeRolePermission(w http.ResponseWriter, r *http.Request, grant bool) {
	roleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := r.PathValue("code")
	if grant {
		err = a.admin.GrantPermission(r.Context(), operator(r), roleID, code)
	} else {
		err = a.admin.RevokePermission(r.Context(), operator(r), roleID, code)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"role_id": roleID, "permission": code, "granted": grant})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.admin.ListPermissions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, listResponse[auth.Permission]{Items: perms, Total: len(perms), Limit: len(perms)})
}

func (a *API) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := a.audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Entries == nil {
		page.Entries = []audit.Entry{}
	}
	writeOK(w, http.StatusOK, page)
}

// --- request parsing ---

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter
	if raw := strings.TrimSpace(q.Get("operator_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return audit.Filter{}, fmt.Errorf("%w: operator_id must be a non-negative integer", auth.ErrValidation)
		}
		f.OperatorID = &id
	}
	f.Resource = strings.TrimSpace(q.Get("resource"))
	f.Operation = strings.TrimSpace(q.Get("operation"))
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", auth.ErrValidation, name)
		}
		*dst = t
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return audit.Filter{}, fmt.Errorf("%w: order must be asc or desc", auth.ErrValidation)
	}
	page, err := parsePage(r, audit.DefaultQueryLimit, audit.MaxQueryLimit)
	if err != nil {
		return audit.Filter{}, err
	}
	f.Limit, f.Offset = page.Limit, page.Offset
	return f, nil
}

func parsePage(r *http.Request, def, max int) (auth.Page, error) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), def, 1, max)
	if err != nil {
		return auth.Page{}, fmt.Errorf("%w: limit %v", auth.ErrValidation, err)
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		return auth.Page{}, fmt.Errorf("%w: offset %v", auth.ErrValidation, err)
	}
	return auth.Page{Limit: limit, Offset: offset}, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("must be between %d and %d", min, max)
	}
	return val, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", auth.ErrValidation, name)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", auth.ErrValidation)
		}
		return fmt.Errorf("%w: %v", auth.ErrValidation, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", auth.ErrValidation)
	}
	return nil
}
