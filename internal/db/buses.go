package db

import (
	"context"

	"github.com/rs/zerolog/log"
)

// CreateBus registers a new node and returns its id
func (db *DB) CreateBus(ctx context.Context, market MarketType, name string) (int64, error) {
	query := `
		INSERT INTO websocket_connections (market_type, name, is_connected, session_count, updated_at)
		VALUES ($1, $2, FALSE, 0, NOW())
		RETURNING id
	`

	var id int64
	if err := db.pool.QueryRow(ctx, query, int16(market), name).Scan(&id); err != nil {
		log.Error().Err(err).Str("market", market.String()).Msg("Failed to create bus record")
		return 0, persistErr("create bus", err)
	}
	return id, nil
}

// SetBusConnected records the socket state of a node
func (db *DB) SetBusConnected(ctx context.Context, id int64, connected bool) error {
	query := `UPDATE websocket_connections SET is_connected = $2, updated_at = NOW() WHERE id = $1`

	if _, err := db.pool.Exec(ctx, query, id, connected); err != nil {
		return persistErr("set bus connected", err)
	}
	return nil
}

// UpdateBusSessionCount records how many sessions a node owns
func (db *DB) UpdateBusSessionCount(ctx context.Context, id int64, count int) error {
	query := `UPDATE websocket_connections SET session_count = $2, updated_at = NOW() WHERE id = $1`

	if _, err := db.pool.Exec(ctx, query, id, count); err != nil {
		return persistErr("update bus session count", err)
	}
	return nil
}

// DeleteBusesByMarket removes every node record of a market (Genesis hard reset)
func (db *DB) DeleteBusesByMarket(ctx context.Context, market MarketType) (int64, error) {
	result, err := db.pool.Exec(ctx, `DELETE FROM websocket_connections WHERE market_type = $1`, int16(market))
	if err != nil {
		return 0, persistErr("delete buses by market", err)
	}
	return result.RowsAffected(), nil
}
