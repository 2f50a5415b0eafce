package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Credential is an exchange API key pair owned by a user. The core never writes it.
type Credential struct {
	ID             int64
	UserID         int64
	Exchange       string
	APIKey         string
	APISecret      string
	IsActive       bool
	FuturesEnabled bool
}

// Enabled reports whether the credential should hold a session on the market
func (c *Credential) Enabled(market MarketType) bool {
	if !c.IsActive {
		return false
	}
	return market == MarketSpot || c.FuturesEnabled
}

const credentialColumns = `id, user_id, exchange, api_key, api_secret, is_active, is_futures_enabled`

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	if err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.APIKey, &c.APISecret, &c.IsActive, &c.FuturesEnabled); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListActiveCredentials returns active credentials enabled for the market
func (db *DB) ListActiveCredentials(ctx context.Context, market MarketType) ([]Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM api_keys
		WHERE is_active AND ($1 = 1 OR is_futures_enabled)
		ORDER BY id
	`

	rows, err := db.pool.Query(ctx, query, int16(market))
	if err != nil {
		log.Error().Err(err).Str("market", market.String()).Msg("Failed to list active credentials")
		return nil, persistErr("list active credentials", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, persistErr("scan credential", err)
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate credentials", err)
	}
	return creds, nil
}

// GetCredential returns a credential by id, or ErrNotFound
func (db *DB) GetCredential(ctx context.Context, id int64) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM api_keys WHERE id = $1`

	c, err := scanCredential(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get credential", err)
	}
	return c, nil
}

// GetCredentialByBot resolves the credential a bot trades with
func (db *DB) GetCredentialByBot(ctx context.Context, botID int64) (*Credential, error) {
	query := `
		SELECT k.id, k.user_id, k.exchange, k.api_key, k.api_secret, k.is_active, k.is_futures_enabled
		FROM bots b
		JOIN api_keys k ON k.id = b.api_id
		WHERE b.id = $1
	`

	c, err := scanCredential(db.pool.QueryRow(ctx, query, botID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bot %d: %w", botID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get credential by bot", err)
	}
	return c, nil
}

// GetTelegramChatID returns the chat a user receives notifications in
func (db *DB) GetTelegramChatID(ctx context.Context, userID int64) (int64, error) {
	var chatID int64
	err := db.pool.QueryRow(ctx,
		`SELECT chat_id FROM telegram_users WHERE user_id = $1 AND is_active`, userID,
	).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, persistErr("get telegram chat id", err)
	}
	return chatID, nil
}
