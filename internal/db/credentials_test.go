package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credentialRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "user_id", "exchange", "api_key", "api_secret", "is_active", "is_futures_enabled"})
}

func TestCredentialEnabled(t *testing.T) {
	tests := []struct {
		name   string
		cred   Credential
		market MarketType
		want   bool
	}{
		{"active spot", Credential{IsActive: true}, MarketSpot, true},
		{"active futures disabled", Credential{IsActive: true}, MarketFutures, false},
		{"active futures enabled", Credential{IsActive: true, FuturesEnabled: true}, MarketFutures, true},
		{"inactive", Credential{FuturesEnabled: true}, MarketFutures, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Enabled(tt.market))
		})
	}
}

func TestListActiveCredentials(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM api_keys").
		WithArgs(int16(2)).
		WillReturnRows(credentialRows().
			AddRow(int64(1), int64(10), "binance", "k1", "s1", true, true).
			AddRow(int64(2), int64(11), "binance", "k2", "s2", true, true))

	creds, err := db.ListActiveCredentials(context.Background(), MarketFutures)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "k2", creds[1].APIKey)
	assert.True(t, creds[0].FuturesEnabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCredential(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM api_keys WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(credentialRows().AddRow(int64(7), int64(3), "binance", "k", "s", true, false))

	c, err := db.GetCredential(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.UserID)

	mock.ExpectQuery("FROM api_keys WHERE id").
		WithArgs(int64(8)).
		WillReturnError(pgx.ErrNoRows)

	_, err = db.GetCredential(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCredentialByBot(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM bots b").
		WithArgs(int64(42)).
		WillReturnRows(credentialRows().AddRow(int64(7), int64(3), "binance", "k", "s", true, true))

	c, err := db.GetCredentialByBot(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTelegramChatID(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM telegram_users").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"chat_id"}).AddRow(int64(555)))

	chatID, err := db.GetTelegramChatID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(555), chatID)
}

func TestBuses(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO websocket_connections").
		WithArgs(int16(1), "spot-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE websocket_connections SET is_connected").
		WithArgs(int64(3), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE websocket_connections SET session_count").
		WithArgs(int64(3), 17).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM websocket_connections").
		WithArgs(int16(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	id, err := db.CreateBus(ctx, MarketSpot, "spot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	require.NoError(t, db.SetBusConnected(ctx, id, true))
	require.NoError(t, db.UpdateBusSessionCount(ctx, id, 17))

	n, err := db.DeleteBusesByMarket(ctx, MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
