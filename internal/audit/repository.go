// Package audit keeps the history of settled causal writes in the
// sync_events table.
//
// SQLiteRepository implements causal.EventPublisher, so it sits next to the
// MQTT publisher and records every reconciled or rejected outcome.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/middts/middts-core/internal/causal"
)

// Page size limits for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Filter controls which events List returns.
type Filter struct {
	PropertyID int64  // optional
	InstanceID int64  // optional
	State      string // optional: reconciled or rejected
	Limit      int    // default 50, max 200
	Offset     int
}

// ListResult is one page of events, most recent first.
type ListResult struct {
	Events []causal.Event `json:"events"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// SQLiteRepository stores sync events in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// PublishEvent records ev. Events are stamped by the sync layer; an event
// without ID or timestamp is rejected.
func (r *SQLiteRepository) PublishEvent(ctx context.Context, ev causal.Event) error {
	if ev.ID == "" || ev.At.IsZero() {
		return errors.New("recording sync event: missing id or timestamp")
	}
	state, err := ev.State.MarshalText()
	if err != nil {
		return fmt.Errorf("recording sync event: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_events (id, state, instance_id, property_id, device_property_id,
		     property, device, requested, value, previous, conflict, optimistic, reason,
		     latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(state), ev.InstanceID, ev.PropertyID, nullableID(ev.DevicePropertyID),
		ev.Property, ev.Device, ev.Requested, ev.Value, ev.Previous,
		ev.Conflict, ev.Optimistic, ev.Reason, ev.LatencyMS,
		ev.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting sync event: %w", err)
	}
	return nil
}

// nullableID maps the zero id to NULL.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// List returns events matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.PropertyID != 0 {
		conditions = append(conditions, "property_id = ?")
		args = append(args, filter.PropertyID)
	}
	if filter.InstanceID != 0 {
		conditions = append(conditions, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sync_events %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting sync events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, state, instance_id, property_id, device_property_id, property, device,
		        requested, value, previous, conflict, optimistic, reason, latency_ms, created_at
		 FROM sync_events %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync events: %w", err)
	}
	defer rows.Close()

	events := []causal.Event{}
	for rows.Next() {
		var (
			ev        causal.Event
			state     string
			dpID      sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &state, &ev.InstanceID, &ev.PropertyID, &dpID,
			&ev.Property, &ev.Device, &ev.Requested, &ev.Value, &ev.Previous,
			&ev.Conflict, &ev.Optimistic, &ev.Reason, &ev.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning sync event: %w", err)
		}
		if err := ev.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("sync event %s: %w", ev.ID, err)
		}
		if dpID.Valid {
			ev.DevicePropertyID = dpID.Int64
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing sync event timestamp %q: %w", createdAt, err)
		}
		ev.At = t
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Prune deletes events recorded before cutoff and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning sync events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning sync events: %w", err)
	}
	return n, nil
}

// Logger is the logging surface used by RunRetention.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunRetention prunes events older than retention every interval until ctx
// is cancelled.
func (r *SQLiteRepository) RunRetention(ctx context.Context, retention, interval time.Duration, logger Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("sync event retention failed", "error", err)
		case n > 0:
			logger.Info("pruned sync events", "count", n, "retention", retention.String())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
