package db_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/db/testhelpers"
)

func TestRegistryWithPostgres(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	tc.ApplyMigrations(t, "../../migrations")

	ctx := context.Background()
	pool := tc.DB.Pool()

	var credID int64
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO api_keys (user_id, api_key, api_secret, is_futures_enabled) VALUES (3, 'k', 's', TRUE) RETURNING id`,
	).Scan(&credID))

	t.Run("trigger enqueues API_ADD", func(t *testing.T) {
		events, err := tc.DB.DrainEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "API_ADD", events[0].Type)
	})

	t.Run("lifecycle", func(t *testing.T) {
		require.NoError(t, tc.DB.UpsertStreamSession(ctx, &db.StreamSession{
			CredentialID: credID, UserID: 3, Market: db.MarketSpot, ListenKey: "lk-1", Status: db.StatusNew,
		}))
		require.NoError(t, tc.DB.MarkStreamStatus(ctx, credID, db.MarketSpot, db.StatusActive))
		require.NoError(t, tc.DB.MarkStreamStatus(ctx, credID, db.MarketSpot, db.StatusClosed))

		err := tc.DB.MarkStreamStatus(ctx, credID, db.MarketSpot, db.StatusActive)
		assert.ErrorIs(t, err, db.ErrInvalidTransition)

		sessions, err := tc.DB.ListActiveSessions(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("balance snapshot prunes assets missing from the exchange", func(t *testing.T) {
		rows := []db.BalanceRow{{
			CredentialID: credID, UserID: 3, Asset: "BTC", Account: db.MarketSpot,
			Free: decimal.RequireFromString("1"), Total: decimal.RequireFromString("1"),
		}}
		require.NoError(t, tc.DB.UpsertBalances(ctx, []db.BalanceRow{{
			CredentialID: credID, UserID: 3, Asset: "ETH", Account: db.MarketSpot,
			Free: decimal.RequireFromString("2"), Total: decimal.RequireFromString("2"),
		}}))

		deleted, err := tc.DB.ReplaceBalances(ctx, credID, db.MarketSpot, rows)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted, "ETH is absent from the snapshot")

		// a repeated snapshot is a no-op
		deleted, err = tc.DB.ReplaceBalances(ctx, credID, db.MarketSpot, rows)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}
