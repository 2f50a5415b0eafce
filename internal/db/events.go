package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// QueuedEvent is a change notification persisted by database triggers or the API layer
type QueuedEvent struct {
	ID        int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// DrainEvents atomically removes and returns up to limit queued events in id
// order. Rows locked by a concurrent drainer are skipped, so every event is
// handed to exactly one caller.
func (db *DB) DrainEvents(ctx context.Context, limit int) ([]QueuedEvent, error) {
	query := `
		DELETE FROM system_event_queue
		WHERE id IN (
			SELECT id FROM system_event_queue
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, payload, created_at
	`

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to drain system event queue")
		return nil, persistErr("drain events", err)
	}
	defer rows.Close()

	var events []QueuedEvent
	for rows.Next() {
		var (
			e       QueuedEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, persistErr("scan event", err)
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate events", err)
	}

	slices.SortFunc(events, func(a, b QueuedEvent) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return events, nil
}

// EnqueueEvent appends an event to the queue
func (db *DB) EnqueueEvent(ctx context.Context, eventType string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	var id int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO system_event_queue (event_type, payload) VALUES ($1, $2) RETURNING id`,
		eventType, data,
	).Scan(&id)
	if err != nil {
		return 0, persistErr("enqueue event", err)
	}
	return id, nil
}
