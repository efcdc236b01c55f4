// Package migrate applies the SQL schema and catalog seeds embedded in the
// pg store. Every script is recorded with a SHA-256 checksum: an applied
// migration whose file changed is an error, a changed seed is re-run.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrChecksumMismatch reports a migration edited after it was applied.
var ErrChecksumMismatch = errors.New("migrate: applied migration changed on disk")

// Manager executes migrations and seeds read from fsys.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

type Option func(*Manager)

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. migrationsDir and seedsDir are paths
// within fsys; an empty seedsDir disables seeding.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// script is one SQL file and the checksum of its contents.
type script struct {
	name     string
	body     string
	checksum string
}

// record is a bookkeeping row.
type record struct {
	name     string
	checksum string
}

// Up applies pending migrations in name order. It refuses to run when an
// applied migration no longer matches its file.
func (m *Manager) Up(ctx context.Context) error {
	scripts, done, err := m.plan(ctx, m.migrationsDir, m.migrationsTable, isUp)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if sum, ok := done[s.name]; ok {
			if sum != "" && sum != s.checksum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, s.name)
			}
			continue
		}
		if err := m.apply(ctx, s, m.migrationsTable); err != nil {
			return fmt.Errorf("apply migration %s: %w", s.name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.records(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1].name
	downPath := path.Join(m.migrationsDir, strings.TrimSuffix(last, upSuffix)+downSuffix)
	body, err := fs.ReadFile(m.fsys, downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, string(body)); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
		return err
	}
	return tx.Commit()
}

// Status returns applied migrations in apply order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.records(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(applied))
	for i, r := range applied {
		names[i] = r.name
	}
	return names, nil
}

// Pending returns migrations that have not been applied yet, in apply order.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	scripts, done, err := m.plan(ctx, m.migrationsDir, m.migrationsTable, isUp)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, s := range scripts {
		if _, ok := done[s.name]; !ok {
			pending = append(pending, s.name)
		}
	}
	return pending, nil
}

// Seed runs new seeds and re-runs seeds whose contents changed. Seeds must
// be idempotent: they use "on conflict do nothing" against the catalog keys.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seedsDir == "" {
		return nil
	}
	scripts, done, err := m.plan(ctx, m.seedsDir, m.seedsTable, isSeed)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if sum, ok := done[s.name]; ok && sum == s.checksum {
			continue
		}
		if err := m.apply(ctx, s, m.seedsTable); err != nil {
			return fmt.Errorf("apply seed %s: %w", s.name, err)
		}
	}
	return nil
}

// plan loads the scripts in dir and the checksums already recorded in table.
func (m *Manager) plan(ctx context.Context, dir, table string, keep func(string) bool) ([]script, map[string]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.records(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]string, len(applied))
	for _, r := range applied {
		done[r.name] = r.checksum
	}
	scripts, err := loadScripts(m.fsys, dir, keep)
	if err != nil {
		return nil, nil, err
	}
	return scripts, done, nil
}

// apply runs s and records it in table within one transaction.
func (m *Manager) apply(ctx context.Context, s script, table string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, s.body); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (name, checksum) values ($1, $2)
		on conflict (name) do update set checksum = excluded.checksum, applied_at = now()`, table),
		s.name, s.checksum)
	if err != nil {
		return fmt.Errorf("record %s: %w", s.name, err)
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				checksum text not null default '',
				applied_at timestamptz not null default now()
			)`, table))
		if err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) records(ctx context.Context, table string) ([]record, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, checksum from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.name, &r.checksum); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUp(name string) bool { return strings.HasSuffix(name, upSuffix) }

func isSeed(name string) bool {
	return strings.HasSuffix(name, ".sql") && !strings.HasSuffix(name, downSuffix)
}

// loadScripts reads the files of dir accepted by keep, sorted by name. A
// missing dir yields no scripts.
func loadScripts(fsys fs.FS, dir string, keep func(string) bool) ([]script, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []script
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		out = append(out, script{name: e.Name(), body: string(body), checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execAll(ctx context.Context, q execer, body string) error {
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits on semicolons outside single-quoted literals.
// Doubled quotes inside a literal toggle twice and so stay inside it.
func splitStatements(body string) []string {
	var (
		stmts   []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\'':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				stmts = append(stmts, body[start:i+1])
				start = i + 1
			}
		}
	}
	if rest := body[start:]; strings.TrimSpace(rest) != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}
