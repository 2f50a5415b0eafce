package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// MarketType identifies the exchange product a session belongs to. Values are persisted.
type MarketType int16

const (
	MarketSpot    MarketType = 1
	MarketFutures MarketType = 2
)

// Markets lists every supported market type
var Markets = []MarketType{MarketSpot, MarketFutures}

func (m MarketType) String() string {
	switch m {
	case MarketSpot:
		return "spot"
	case MarketFutures:
		return "futures"
	default:
		return fmt.Sprintf("market(%d)", int16(m))
	}
}

// ParseMarketType accepts "spot", "futures", the "test_" prefixed variants
// and the persisted numbers
func ParseMarketType(s string) (MarketType, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "test_") {
	case "spot", "1":
		return MarketSpot, nil
	case "futures", "2":
		return MarketFutures, nil
	default:
		return 0, fmt.Errorf("unknown market type %q", s)
	}
}

// MarshalText renders the market by name
func (m MarketType) MarshalText() ([]byte, error) {
	if m != MarketSpot && m != MarketFutures {
		return nil, fmt.Errorf("unknown market type %d", int16(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText accepts the names ParseMarketType accepts
func (m *MarketType) UnmarshalText(b []byte) error {
	v, err := ParseMarketType(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnmarshalJSON accepts a name or the persisted number, as database triggers emit
func (m *MarketType) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	return m.UnmarshalText(bytes.Trim(b, `"`))
}

// StreamStatus is the lifecycle state of a stream session. Values are persisted.
type StreamStatus int16

const (
	StatusNew     StreamStatus = 1
	StatusActive  StreamStatus = 2
	StatusExpired StreamStatus = 3
	StatusClosed  StreamStatus = 4
	StatusError   StreamStatus = 5
)

func (s StreamStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusActive:
		return "ACTIVE"
	case StatusExpired:
		return "EXPIRED"
	case StatusClosed:
		return "CLOSED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int16(s))
	}
}

// Live reports whether the session still needs a socket subscription
func (s StreamStatus) Live() bool {
	return s == StatusNew || s == StatusActive
}

// allowedFrom lists, per target status, the statuses a session may move from.
// Re-onboarding always lands on NEW, so only NEW may lead to ACTIVE.
var allowedFrom = map[StreamStatus][]StreamStatus{
	StatusNew:     {StatusNew, StatusActive, StatusExpired, StatusClosed, StatusError},
	StatusActive:  {StatusNew, StatusActive},
	StatusExpired: {StatusNew, StatusActive, StatusExpired},
	StatusClosed:  {StatusNew, StatusActive, StatusClosed},
	StatusError:   {StatusNew, StatusActive, StatusExpired, StatusError},
}

// CanTransition reports whether a session in status from may move to status to
func CanTransition(from, to StreamStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a status change is not allowed or the row is missing
var ErrInvalidTransition = errors.New("invalid stream status transition")

// StreamSession is one user-data stream per (credential, market)
type StreamSession struct {
	CredentialID int64
	UserID       int64
	Market       MarketType
	ListenKey    string
	Status       StreamStatus
	ExpiresAt    *time.Time
	BusID        *int64
	UpdatedAt    time.Time
}

// ActiveSession is a live session joined with its credential secrets
type ActiveSession struct {
	StreamSession
	APIKey    string
	APISecret string
}

const activeSessionColumns = `s.api_id, s.user_id, s.market_type, s.listen_key, s.status,
	s.expires_at, s.ws_id, s.updated_at, k.api_key, k.api_secret`

func scanActiveSessions(rows pgx.Rows) ([]ActiveSession, error) {
	defer rows.Close()

	var sessions []ActiveSession
	for rows.Next() {
		var (
			s      ActiveSession
			market int16
			status int16
		)
		if err := rows.Scan(
			&s.CredentialID, &s.UserID, &market, &s.ListenKey, &status,
			&s.ExpiresAt, &s.BusID, &s.UpdatedAt, &s.APIKey, &s.APISecret,
		); err != nil {
			return nil, err
		}
		s.Market = MarketType(market)
		s.Status = StreamStatus(status)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpsertStreamSession inserts or replaces the session for (credential, market).
// The bus assignment is cleared so the connection bus picks the row up again.
// Only onboarding outcomes (NEW or ERROR) can be written this way; ACTIVE is
// reachable exclusively through MarkStreamStatus.
func (db *DB) UpsertStreamSession(ctx context.Context, s *StreamSession) error {
	if s.Status != StatusNew && s.Status != StatusError {
		return fmt.Errorf("%w: upsert must write NEW or ERROR, got %s", ErrInvalidTransition, s.Status)
	}

	query := `
		INSERT INTO stream_keys (api_id, user_id, market_type, listen_key, status, expires_at, ws_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, NOW())
		ON CONFLICT (api_id, market_type) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			listen_key = EXCLUDED.listen_key,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			ws_id = NULL,
			updated_at = NOW()
	`

	_, err := db.pool.Exec(ctx, query,
		s.CredentialID, s.UserID, int16(s.Market), s.ListenKey, int16(s.Status), s.ExpiresAt,
	)
	if err != nil {
		log.Error().Err(err).
			Int64("credential_id", s.CredentialID).
			Str("market", s.Market.String()).
			Msg("Failed to upsert stream session")
		return persistErr("upsert stream session", err)
	}

	s.BusID = nil
	return nil
}

// ListActiveSessions returns NEW and ACTIVE sessions of active credentials.
// A nil market returns both markets.
func (db *DB) ListActiveSessions(ctx context.Context, market *MarketType) ([]ActiveSession, error) {
	var marketArg any
	if market != nil {
		marketArg = int16(*market)
	}

	query := `
		SELECT ` + activeSessionColumns + `
		FROM stream_keys s
		JOIN api_keys k ON k.id = s.api_id
		WHERE s.status IN (1, 2)
			AND k.is_active
			AND (s.market_type = 1 OR k.is_futures_enabled)
			AND ($1::smallint IS NULL OR s.market_type = $1::smallint)
		ORDER BY s.api_id, s.market_type
	`

	rows, err := db.pool.Query(ctx, query, marketArg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list active stream sessions")
		return nil, persistErr("list active stream sessions", err)
	}

	sessions, err := scanActiveSessions(rows)
	if err != nil {
		return nil, persistErr("scan active stream sessions", err)
	}
	return sessions, nil
}

// ListExpiredSessions returns EXPIRED sessions of credentials still enabled
// for the market, which Maintenance re-onboards
func (db *DB) ListExpiredSessions(ctx context.Context) ([]ActiveSession, error) {
	query := `
		SELECT ` + activeSessionColumns + `
		FROM stream_keys s
		JOIN api_keys k ON k.id = s.api_id
		WHERE s.status = 3
			AND k.is_active
			AND (s.market_type = 1 OR k.is_futures_enabled)
		ORDER BY s.api_id, s.market_type
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, persistErr("list expired stream sessions", err)
	}

	sessions, err := scanActiveSessions(rows)
	if err != nil {
		return nil, persistErr("scan expired stream sessions", err)
	}
	return sessions, nil
}

// ListUnassignedSessions returns live sessions with no owning bus
func (db *DB) ListUnassignedSessions(ctx context.Context, market MarketType) ([]ActiveSession, error) {
	query := `
		SELECT ` + activeSessionColumns + `
		FROM stream_keys s
		JOIN api_keys k ON k.id = s.api_id
		WHERE s.ws_id IS NULL
			AND s.status IN (1, 2)
			AND s.market_type = $1
			AND s.listen_key <> ''
			AND k.is_active
		ORDER BY s.api_id
	`

	rows, err := db.pool.Query(ctx, query, int16(market))
	if err != nil {
		return nil, persistErr("list unassigned stream sessions", err)
	}

	sessions, err := scanActiveSessions(rows)
	if err != nil {
		return nil, persistErr("scan unassigned stream sessions", err)
	}
	return sessions, nil
}

// MarkStreamStatus moves a session to a new status when the transition is allowed.
// The predecessor check runs inside the UPDATE so concurrent writers cannot race it.
func (db *DB) MarkStreamStatus(ctx context.Context, credentialID int64, market MarketType, status StreamStatus) error {
	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidTransition, int16(status))
	}
	predecessors := make([]int16, len(from))
	for i, s := range from {
		predecessors[i] = int16(s)
	}

	query := `
		UPDATE stream_keys
		SET status = $3, updated_at = NOW()
		WHERE api_id = $1 AND market_type = $2 AND status = ANY($4)
	`

	result, err := db.pool.Exec(ctx, query, credentialID, int16(market), int16(status), predecessors)
	if err != nil {
		log.Error().Err(err).
			Int64("credential_id", credentialID).
			Str("status", status.String()).
			Msg("Failed to mark stream status")
		return persistErr("mark stream status", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: credential %d %s -> %s", ErrInvalidTransition, credentialID, market, status)
	}
	return nil
}

// ExtendStreamSession records a successful keep-alive
func (db *DB) ExtendStreamSession(ctx context.Context, credentialID int64, market MarketType, expiresAt time.Time) error {
	query := `
		UPDATE stream_keys
		SET expires_at = $3, updated_at = NOW()
		WHERE api_id = $1 AND market_type = $2
	`

	if _, err := db.pool.Exec(ctx, query, credentialID, int16(market), expiresAt); err != nil {
		return persistErr("extend stream session", err)
	}
	return nil
}

// MarkExpiredByListenKey flags the session owning a listen key as EXPIRED
func (db *DB) MarkExpiredByListenKey(ctx context.Context, listenKey string) error {
	query := `
		UPDATE stream_keys
		SET status = $2, updated_at = NOW()
		WHERE listen_key = $1 AND status IN (1, 2)
	`

	if _, err := db.pool.Exec(ctx, query, listenKey, int16(StatusExpired)); err != nil {
		return persistErr("mark listen key expired", err)
	}
	return nil
}

// DeleteStreamSession removes the session for (credential, market)
func (db *DB) DeleteStreamSession(ctx context.Context, credentialID int64, market MarketType) error {
	query := `DELETE FROM stream_keys WHERE api_id = $1 AND market_type = $2`

	if _, err := db.pool.Exec(ctx, query, credentialID, int16(market)); err != nil {
		log.Error().Err(err).Int64("credential_id", credentialID).Msg("Failed to delete stream session")
		return persistErr("delete stream session", err)
	}
	return nil
}

// DeleteSessionsByMarket removes every session of a market (Genesis hard reset)
func (db *DB) DeleteSessionsByMarket(ctx context.Context, market MarketType) (int64, error) {
	result, err := db.pool.Exec(ctx, `DELETE FROM stream_keys WHERE market_type = $1`, int16(market))
	if err != nil {
		return 0, persistErr("delete stream sessions by market", err)
	}
	return result.RowsAffected(), nil
}

// AssignSessionToBus records which bus owns a session
func (db *DB) AssignSessionToBus(ctx context.Context, credentialID int64, market MarketType, busID int64) error {
	query := `UPDATE stream_keys SET ws_id = $3, updated_at = NOW() WHERE api_id = $1 AND market_type = $2`

	if _, err := db.pool.Exec(ctx, query, credentialID, int16(market), busID); err != nil {
		return persistErr("assign stream session to bus", err)
	}
	return nil
}

// DeleteInactiveSessions removes sessions whose credential was deactivated or
// lost futures access, returning what was removed so sockets can unsubscribe.
func (db *DB) DeleteInactiveSessions(ctx context.Context) ([]StreamSession, error) {
	query := `
		DELETE FROM stream_keys s
		USING api_keys k
		WHERE k.id = s.api_id
			AND (NOT k.is_active OR (s.market_type = 2 AND NOT k.is_futures_enabled))
		RETURNING s.api_id, s.user_id, s.market_type, s.listen_key, s.status, s.ws_id
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete inactive stream sessions")
		return nil, persistErr("delete inactive stream sessions", err)
	}
	defer rows.Close()

	var removed []StreamSession
	for rows.Next() {
		var (
			s      StreamSession
			market int16
			status int16
		)
		if err := rows.Scan(&s.CredentialID, &s.UserID, &market, &s.ListenKey, &status, &s.BusID); err != nil {
			return nil, persistErr("scan removed stream session", err)
		}
		s.Market = MarketType(market)
		s.Status = StreamStatus(status)
		removed = append(removed, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("scan removed stream sessions", err)
	}
	return removed, nil
}

// GetStreamSession returns the session of (credential, market) in any status, or ErrNotFound
func (db *DB) GetStreamSession(ctx context.Context, credentialID int64, market MarketType) (*StreamSession, error) {
	query := `
		SELECT api_id, user_id, market_type, listen_key, status, expires_at, ws_id, updated_at
		FROM stream_keys
		WHERE api_id = $1 AND market_type = $2
	`

	var (
		s      StreamSession
		m      int16
		status int16
	)
	err := db.pool.QueryRow(ctx, query, credentialID, int16(market)).Scan(
		&s.CredentialID, &s.UserID, &m, &s.ListenKey, &status, &s.ExpiresAt, &s.BusID, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get stream session", err)
	}
	s.Market = MarketType(m)
	s.Status = StreamStatus(status)
	return &s, nil
}
