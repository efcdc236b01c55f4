package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sleepplanet.app/internal/ids"
	"sleepplanet.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const publishTimeout = 2 * time.Second

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger builds, stores and fans out audit entries.
//
// Privileged mutations do not call Record: they take an entry from Prepare,
// hand it to the credential store so it is inserted in the same transaction
// as the change, then call Committed once the transaction succeeds.
type Logger struct {
	store     Store
	publisher Publisher
	clock     func() time.Time
}

type Option func(*Logger)

func WithPublisher(p Publisher) Option {
	return func(l *Logger) { l.publisher = p }
}

func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.clock = fn
		}
	}
}

func NewLogger(store Store, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	l := &Logger{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Prepare returns a success entry stamped with the current time and request id.
func (l *Logger) Prepare(ctx context.Context, op Operator, operation, resource, resourceID string) Entry {
	now := l.clock().UTC()
	return Entry{
		ID:         ids.At(now),
		Operation:  operation,
		Operator:   op,
		Resource:   resource,
		ResourceID: resourceID,
		Outcome:    OutcomeSuccess,
		OccurredAt: now,
		RequestID:  RequestIDFromContext(ctx),
	}
}

// Record appends a standalone entry synchronously. It is used for events that
// do not mutate credential data, such as logins.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := l.store.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	l.Committed(ctx, e)
	return nil
}

// Committed runs after an entry is durable: it echoes the entry to the log,
// counts it and publishes it. Publish failures are logged only.
func (l *Logger) Committed(ctx context.Context, e Entry) {
	obs.RecordAuditEntry(e.Operation)
	echo(e)
	if l.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := l.publisher.Publish(pctx, e); err != nil {
		obs.Warn("audit_publish_failed", map[string]any{
			"audit_id":   e.ID,
			"operation":  e.Operation,
			"request_id": e.RequestID,
			"error":      err,
		})
	}
}

// Query returns entries matching f, newest first unless f.Ascending is set.
func (l *Logger) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	entries, total, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return Page{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Close releases the publisher, if any.
func (l *Logger) Close() error {
	if l.publisher == nil {
		return nil
	}
	return l.publisher.Close()
}

func validate(e Entry) error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return errors.New("audit entry id is required")
	case strings.TrimSpace(e.Operation) == "":
		return errors.New("audit operation is required")
	case strings.TrimSpace(e.Resource) == "":
		return errors.New("audit resource is required")
	case e.OccurredAt.IsZero():
		return errors.New("audit timestamp is required")
	}
	return nil
}

func echo(e Entry) {
	line := map[string]any{
		"ts":          e.OccurredAt.Format(time.RFC3339Nano),
		"type":        "audit",
		"event":       e.Operation,
		"audit_id":    e.ID,
		"operator_id": e.Operator.ID,
		"operator":    e.Operator.Username,
		"resource":    e.Resource,
		"resource_id": e.ResourceID,
		"outcome":     e.Outcome,
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	if len(e.Metadata) > 0 {
		line["fields"] = e.Metadata
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
