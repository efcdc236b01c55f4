package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const auditColumns = `id, operation, operator_id, operator_username, resource, resource_id, outcome, occurred_at, request_id, metadata`

func insertAudit(ctx context.Context, q execer, e audit.Entry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	_, err := q.ExecContext(ctx, `insert into audit_log (`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Operation, e.Operator.ID, e.Operator.Username, e.Resource, e.ResourceID,
		string(e.Outcome), e.OccurredAt.UTC(), e.RequestID, meta)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	return auth.WrapStoreError(insertAudit(ctx, s.db, e))
}

// QueryAudit expects a normalized filter.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OperatorID != nil {
		add("operator_id = $%d", *f.OperatorID)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.Operation != "" {
		add("operation = $%d", f.Operation)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To.UTC())
	}
	cond := ""
	if len(where) > 0 {
		cond = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_log`+cond, args...).Scan(&total); err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}

	order := "desc"
	if f.Ascending {
		order = "asc"
	}
	query := fmt.Sprintf(`select %s from audit_log%s order by occurred_at %s, id %s limit $%d offset $%d`,
		auditColumns, cond, order, order, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			outcome string
			meta    []byte
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.Operator.ID, &e.Operator.Username, &e.Resource,
			&e.ResourceID, &outcome, &e.OccurredAt, &e.RequestID, &meta); err != nil {
			return nil, 0, auth.WrapStoreError(err)
		}
		e.Outcome = audit.Outcome(outcome)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode audit metadata: %w", err)
			}
			if len(e.Metadata) == 0 {
				e.Metadata = nil
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, auth.WrapStoreError(err)
	}
	return entries, total, nil
}
