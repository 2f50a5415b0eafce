package db

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BalanceRow is one wallet balance keyed by (credential, asset, account)
type BalanceRow struct {
	CredentialID int64
	UserID       int64
	Asset        string
	Account      MarketType
	Free         decimal.Decimal
	Locked       decimal.Decimal
	Total        decimal.Decimal
}

// All columns travel as parallel text arrays and are cast server side, so one
// statement upserts the whole batch. Callers guarantee one row per key.
const upsertBalancesSQL = `
	INSERT INTO user_balances (api_id, user_id, asset, account_type, free, locked, total, updated_at)
	SELECT t.api_id, t.user_id, t.asset, t.account_type, t.free::numeric, t.locked::numeric, t.total::numeric, NOW()
	FROM unnest($1::bigint[], $2::bigint[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[])
		AS t(api_id, user_id, asset, account_type, free, locked, total)
	ON CONFLICT (api_id, asset, account_type) DO UPDATE SET
		user_id = EXCLUDED.user_id,
		free = EXCLUDED.free,
		locked = EXCLUDED.locked,
		total = EXCLUDED.total,
		updated_at = NOW()
`

func balanceArgs(rows []BalanceRow) []any {
	var (
		ids     = make([]int64, len(rows))
		users   = make([]int64, len(rows))
		assets  = make([]string, len(rows))
		account = make([]string, len(rows))
		free    = make([]string, len(rows))
		locked  = make([]string, len(rows))
		total   = make([]string, len(rows))
	)
	for i, r := range rows {
		ids[i] = r.CredentialID
		users[i] = r.UserID
		assets[i] = r.Asset
		account[i] = r.Account.String()
		free[i] = r.Free.String()
		locked[i] = r.Locked.String()
		total[i] = r.Total.String()
	}
	return []any{ids, users, assets, account, free, locked, total}
}

// UpsertBalances writes rows with insert-or-update semantics and never deletes
func (db *DB) UpsertBalances(ctx context.Context, rows []BalanceRow) error {
	if len(rows) == 0 {
		return nil
	}

	if _, err := db.pool.Exec(ctx, upsertBalancesSQL, balanceArgs(rows)...); err != nil {
		log.Error().Err(err).Int("rows", len(rows)).Msg("Failed to upsert balances")
		return persistErr("upsert balances", err)
	}
	return nil
}

// ReplaceBalances makes the stored balances of (credential, account) equal the
// snapshot: rows are upserted, then rows absent from the snapshot are deleted
// when their last write predates the transaction. Both sides of the comparison
// are database timestamps.
func (db *DB) ReplaceBalances(ctx context.Context, credentialID int64, account MarketType, rows []BalanceRow) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, persistErr("begin balance snapshot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(rows) > 0 {
		if _, err := tx.Exec(ctx, upsertBalancesSQL, balanceArgs(rows)...); err != nil {
			log.Error().Err(err).Int64("credential_id", credentialID).Msg("Failed to upsert balance snapshot")
			return 0, persistErr("upsert balance snapshot", err)
		}
	}

	assets := make([]string, len(rows))
	for i, r := range rows {
		assets[i] = r.Asset
	}

	result, err := tx.Exec(ctx, `
		DELETE FROM user_balances
		WHERE api_id = $1 AND account_type = $2 AND NOT (asset = ANY($3))
			AND updated_at < transaction_timestamp()
	`, credentialID, account.String(), assets)
	if err != nil {
		log.Error().Err(err).Int64("credential_id", credentialID).Msg("Failed to prune stale balances")
		return 0, persistErr("prune stale balances", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, persistErr("commit balance snapshot", err)
	}
	return result.RowsAffected(), nil
}
