package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

// userSelect aggregates the names of active roles so a user needs one round trip.
const userSelect = `
	select u.id, u.username, u.email, coalesce(u.phone, ''), u.password_hash, u.active,
	       u.created_at, u.updated_at,
	       coalesce(string_agg(r.name, ',' order by r.name) filter (where r.active), '')
	from users u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredentials(row rowScanner) (auth.Credentials, error) {
	var (
		c     auth.Credentials
		roles string
	)
	if err := row.Scan(&c.ID, &c.Username, &c.Email, &c.Phone, &c.PasswordHash, &c.Active,
		&c.CreatedAt, &c.UpdatedAt, &roles); err != nil {
		return auth.Credentials{}, err
	}
	c.Roles = splitList(roles)
	return c, nil
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func (s *Store) UserByUsername(ctx context.Context, username string) (auth.Credentials, error) {
	c, err := scanCredentials(s.db.QueryRowContext(ctx, userSelect+`where u.username = $1 group by u.id`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credentials{}, auth.ErrNotFound
	}
	return c, auth.WrapStoreError(err)
}

func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	c, err := scanCredentials(s.db.QueryRowContext(ctx, userSelect+`where u.id = $1 group by u.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, auth.WrapStoreError(err)
	}
	return c.User, nil
}

func (s *Store) ListUsers(ctx context.Context, page auth.Page) ([]auth.User, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`).Scan(&total); err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}
	rows, err := s.db.QueryContext(ctx, userSelect+`group by u.id order by u.id limit $1 offset $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		c, err := scanCredentials(rows)
		if err != nil {
			return nil, 0, auth.WrapStoreError(err)
		}
		users = append(users, c.User)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}
	return users, total, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.display_name, r.active, r.created_at,
		       coalesce(string_agg(p.code, ',' order by p.code), '')
		from roles r
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		group by r.id
		order by r.name
	`)
	if err != nil {
		return nil, auth.WrapStoreError(err)
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		var (
			r     auth.Role
			codes string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Active, &r.CreatedAt, &codes); err != nil {
			return nil, auth.WrapStoreError(err)
		}
		r.Permissions = splitList(codes)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, auth.WrapStoreError(err)
	}
	return result, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select id, code, resource, action from permissions order by id`)
	if err != nil {
		return nil, auth.WrapStoreError(err)
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Resource, &p.Action); err != nil {
			return nil, auth.WrapStoreError(err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, auth.WrapStoreError(err)
	}
	return result, nil
}

// EffectivePermissions reads the union over active roles in a single statement,
// so a concurrent grant is seen either entirely or not at all.
func (s *Store) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.code
		from user_roles ur
		join roles r on r.id = ur.role_id and r.active
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by p.code
	`, userID)
	if err != nil {
		return nil, auth.WrapStoreError(err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, auth.WrapStoreError(err)
		}
		codes = append(codes, code)
	}
	return codes, auth.WrapStoreError(rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, u auth.NewUser, entry *audit.Entry) (auth.User, error) {
	created := auth.User{
		Username: u.Username,
		Email:    u.Email,
		Phone:    u.Phone,
		Active:   true,
	}
	err := s.inTx(ctx, entry, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into users (username, email, phone, password_hash)
			values ($1, $2, nullif($3, ''), $4)
			returning id, created_at, updated_at
		`, u.Username, u.Email, u.Phone, u.PasswordHash).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("%w: username, email or phone already registered", auth.ErrConflict)
		}
		if err != nil {
			return err
		}
		for _, name := range u.RoleNames {
			res, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id)
				select $1, id from roles where name = $2
				on conflict do nothing
			`, created.ID, name)
			if err != nil {
				return err
			}
			if err := requireAffected(res, fmt.Errorf("%w: role %q does not exist", auth.ErrValidation, name)); err != nil {
				return err
			}
		}
		entry.ResourceID = strconv.FormatInt(created.ID, 10)
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	created.Roles = append([]string(nil), u.RoleNames...)
	sort.Strings(created.Roles)
	return created, nil
}

func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `update users set active = $2, updated_at = now() where id = $1`, userID, active)
		if err != nil {
			return err
		}
		return requireAffected(res, auth.ErrNotFound)
	})
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id) values ($1, $2)
			on conflict do nothing
		`, userID, roleID)
		if isPgCode(err, pgErrForeignKeyViolation) {
			return fmt.Errorf("%w: user %d or role %d", auth.ErrNotFound, userID, roleID)
		}
		return err
	})
}

func (s *Store) UnassignRole(ctx context.Context, userID, roleID int64, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Errorf("%w: user %d does not hold role %d", auth.ErrNotFound, userID, roleID))
	})
}

func (s *Store) CreateRole(ctx context.Context, r auth.NewRole, entry *audit.Entry) (auth.Role, error) {
	role := auth.Role{Name: r.Name, DisplayName: r.DisplayName, Permissions: []string{}}
	err := s.inTx(ctx, entry, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into roles (name, display_name) values ($1, $2)
			returning id, active, created_at
		`, r.Name, r.DisplayName).Scan(&role.ID, &role.Active, &role.CreatedAt)
		if isPgCode(err, pgErrUniqueViolation) {
			return fmt.Errorf("%w: role %q already exists", auth.ErrConflict, r.Name)
		}
		if err != nil {
			return err
		}
		entry.ResourceID = strconv.FormatInt(role.ID, 10)
		return nil
	})
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

// DeleteRole relies on the foreign keys to cascade to grants and assignments.
func (s *Store) DeleteRole(ctx context.Context, roleID int64, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID)
		if err != nil {
			return err
		}
		return requireAffected(res, auth.ErrNotFound)
	})
}

// lockRole serializes grant changes on one role so the audit order matches
// the order in which the changes took effect.
func lockRole(ctx context.Context, tx *sql.Tx, roleID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, roleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %d", auth.ErrNotFound, roleID)
	}
	return err
}

func permissionID(ctx context.Context, tx *sql.Tx, c auth.Capability) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `select id from permissions where code = $1`, c.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: permission %s", auth.ErrNotFound, c)
	}
	return id, err
}

func (s *Store) GrantPermission(ctx context.Context, roleID int64, c auth.Capability, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		permID, err := permissionID(ctx, tx, c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, permID)
		return err
	})
}

func (s *Store) RevokePermission(ctx context.Context, roleID int64, c auth.Capability, entry *audit.Entry) error {
	return s.inTx(ctx, entry, func(tx *sql.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			delete from role_permissions
			where role_id = $1 and permission_id = (select id from permissions where code = $2)
		`, roleID, c.String())
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Errorf("%w: role %d does not hold %s", auth.ErrNotFound, roleID, c))
	})
}
