package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/ajitpratap0/streamgate/internal/db"
)

// Change event types written by database triggers and the API layer
const (
	EventStreamAdd       = "STREAM_ADD"
	EventStreamDelete    = "STREAM_DELETE"
	EventStreamUpdate    = "STREAM_UPDATE"
	EventAPIAdd          = "API_ADD"
	EventAPIDelete       = "API_DELETE"
	EventAPIUpdate       = "API_UPDATE"
	EventFuturesEnabled  = "FUTURES_ENABLED"
	EventFuturesDisabled = "FUTURES_DISABLED"
	EventTimeTick        = "TIME_TICK"
)

// Tick intervals carried by TIME_TICK
const (
	TickSync        = "1m"
	TickMaintenance = "30m"
)

// ChangeEvent is one persisted-state change. ID is the changed row: the
// credential for API_* and FUTURES_* events, the stream row for STREAM_*.
type ChangeEvent struct {
	Type string    `json:"type"`
	ID   int64     `json:"id"`
	Data EventData `json:"data"`

	source string
}

// EventData is the row snapshot attached by the trigger. Fields not relevant
// to the event type are zero.
type EventData struct {
	APIID          int64           `json:"api_id,omitempty"`
	ListenKey      string          `json:"listen_key,omitempty"`
	Market         db.MarketType   `json:"market_type,omitempty"`
	Status         db.StreamStatus `json:"status,omitempty"`
	IsActive       *bool           `json:"is_active,omitempty"`
	FuturesEnabled bool            `json:"is_futures_enabled,omitempty"`
	Interval       string          `json:"interval,omitempty"`
}

// fromQueued decodes a queue row whose payload is {"id": ..., "data": {...}}
func fromQueued(q db.QueuedEvent) (ChangeEvent, error) {
	ev := ChangeEvent{Type: q.Type}
	if len(q.Payload) > 0 {
		var body struct {
			ID   int64     `json:"id"`
			Data EventData `json:"data"`
		}
		if err := json.Unmarshal(q.Payload, &body); err != nil {
			return ev, fmt.Errorf("decode %s payload of event %d: %w", q.Type, q.ID, err)
		}
		ev.ID, ev.Data = body.ID, body.Data
	}
	return ev, nil
}

// credentialID resolves the credential an event concerns
func (e ChangeEvent) credentialID() int64 {
	switch e.Type {
	case EventStreamAdd, EventStreamDelete, EventStreamUpdate:
		if e.Data.APIID != 0 {
			return e.Data.APIID
		}
	}
	return e.ID
}
