package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Store persists execution events. Events for a task are append-only and
// replayed in append order (the seq column breaks timestamp ties).
type Store struct {
	db *sql.DB
}

// NewStore creates an event store over an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append persists a single event
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	dataJSON, err := event.MarshalData()
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, task_id, data)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), event.Timestamp, event.TaskID, nullableString(dataJSON))
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

// AppendBatch persists events in order inside one transaction
func (s *Store) AppendBatch(ctx context.Context, batch []*Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, type, timestamp, task_id, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for _, event := range batch {
		if event.ID == "" {
			event.ID = uuid.New().String()
		}
		dataJSON, err := event.MarshalData()
		if err != nil {
			return fmt.Errorf("encoding event data: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, event.ID, string(event.Type), event.Timestamp, event.TaskID, nullableString(dataJSON)); err != nil {
			return fmt.Errorf("appending event %s: %w", event.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event batch: %w", err)
	}
	return nil
}

// QueryByTask returns a task's events in append order. A limit of 0 means
// no limit.
func (s *Store) QueryByTask(ctx context.Context, taskID string, limit int) ([]*Event, error) {
	query := `
		SELECT id, type, timestamp, task_id, data
		FROM events WHERE task_id = ? ORDER BY seq ASC
	`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var typ string
		var data sql.NullString
		if err := rows.Scan(&e.ID, &typ, &e.Timestamp, &e.TaskID, &data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = EventType(typ)
		if data.Valid {
			if err := e.UnmarshalData([]byte(data.String)); err != nil {
				return nil, fmt.Errorf("decoding event data: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountByTask returns how many events a task has recorded
func (s *Store) CountByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
