// Package audit persists the lifecycle history of supervised services in
// the service_events table.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Event is one stored lifecycle transition.
type Event struct {
	ID         string `db:"id" json:"id"`
	ServiceID  string `db:"service_id" json:"serviceId"`
	InstanceID string `db:"instance_id" json:"instanceId,omitempty"`
	Action     string `db:"action" json:"action"`
	PID        *int   `db:"pid" json:"pid,omitempty"`
	Detail     string `db:"detail" json:"detail,omitempty"`
	CreatedAt  string `db:"created_at" json:"createdAt"`
}

// Filter controls which events List returns.
type Filter struct {
	ServiceID string // required
	Action    string // optional
	Limit     int    // default 50, max 200
	Offset    int
}

// ListResult is one page of events, most recent first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository stores and lists lifecycle events.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the sqlx-backed Repository.
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository returns a repository on db. The service_events
// migration must have been applied.
func NewSQLiteRepository(db *sqlx.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores e. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Insert(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO service_events (id, service_id, instance_id, action, pid, detail, created_at)
		 VALUES (:id, :service_id, :instance_id, :action, :pid, :detail, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("inserting service event: %w", err)
	}
	return nil
}

// List returns events of one service, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	filter.Limit = min(filter.Limit, maxLimit)
	filter.Offset = max(filter.Offset, 0)

	where := "WHERE service_id = ?"
	args := []any{filter.ServiceID}
	if filter.Action != "" {
		where += " AND action = ?"
		args = append(args, filter.Action)
	}

	var total int
	//nolint:gosec // WHERE is built from fixed fragments with ? placeholders
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM service_events "+where, args...); err != nil {
		return nil, fmt.Errorf("counting service events: %w", err)
	}

	events := []Event{}
	//nolint:gosec // WHERE is built from fixed fragments with ? placeholders
	query := "SELECT id, service_id, instance_id, action, pid, detail, created_at FROM service_events " +
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	if err := r.db.SelectContext(ctx, &events, query, append(args, filter.Limit, filter.Offset)...); err != nil {
		return nil, fmt.Errorf("querying service events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}
