package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventKind names a lifecycle transition worth journaling.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventReconnected  EventKind = "reconnected"
	EventDisconnected EventKind = "disconnected"
	EventRenamed      EventKind = "renamed"
	EventUnhealthy    EventKind = "unhealthy"
)

// Event is one journaled lifecycle transition.
type Event struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connectionId"`
	ClientName   string    `json:"clientName"`
	Transport    string    `json:"transport"`
	Kind         EventKind `json:"event"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Repository provides data access for the lifecycle journal.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Record appends one event to the journal.
func (r *Repository) Record(ctx context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}

	query := `
		INSERT INTO connection_events (connection_id, client_name, transport, event, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		evt.ConnectionID,
		evt.ClientName,
		evt.Transport,
		evt.Kind,
		evt.Detail,
		evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, connection_id, client_name, transport, event, detail, occurred_at
		FROM connection_events
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ByConnection returns the full journal for one connection id, oldest first.
func (r *Repository) ByConnection(ctx context.Context, connectionID string) ([]*Event, error) {
	query := `
		SELECT id, connection_id, client_name, transport, event, detail, occurred_at
		FROM connection_events
		WHERE connection_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		evt := &Event{}
		var detail sql.NullString
		if err := rows.Scan(
			&evt.ID,
			&evt.ConnectionID,
			&evt.ClientName,
			&evt.Transport,
			&evt.Kind,
			&detail,
			&evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if detail.Valid {
			evt.Detail = detail.String
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
