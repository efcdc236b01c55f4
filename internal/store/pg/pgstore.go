// Package pg implements the credential and audit store on PostgreSQL through
// the pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// PoolConfig tunes the connection pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	maxOpen, maxIdle, lifetime := 50, 25, 15*time.Minute
	if pool.MaxOpenConns > 0 {
		maxOpen = pool.MaxOpenConns
	}
	if pool.MaxIdleConns > 0 {
		maxIdle = pool.MaxIdleConns
	}
	if pool.ConnMaxLifetime > 0 {
		lifetime = pool.ConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// inTx runs fn and writes entry in one transaction.
func (s *Store) inTx(ctx context.Context, entry *audit.Entry, fn func(*sql.Tx) error) error {
	if entry == nil {
		return errors.New("audit entry is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.WrapStoreError(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return auth.WrapStoreError(err)
	}
	if err := insertAudit(ctx, tx, *entry); err != nil {
		return auth.WrapStoreError(err)
	}
	return auth.WrapStoreError(tx.Commit())
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isPgCode(err error, code string) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == code
}

func requireAffected(res sql.Result, notFound error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return notFound
	}
	return nil
}
