package db

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Trade is one order placed on behalf of a bot
type Trade struct {
	UserID        int64
	BotID         int64
	Symbol        string
	Side          string
	Market        MarketType
	OrderType     string
	PositionSide  string
	Leverage      int
	Amount        decimal.Decimal
	AmountState   decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	OrderID       string
	ClientOrderID string
	Status        string
}

// TradeUpdate is a fill or status change reported on the user data stream
type TradeUpdate struct {
	OrderID       string
	ClientOrderID string
	Status        string
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Commission    decimal.Decimal
}

// InsertTrade records a placed order. A repeated order id is ignored and
// reported as inserted=false, so replays never create duplicates.
func (db *DB) InsertTrade(ctx context.Context, t *Trade) (bool, error) {
	query := `
		INSERT INTO bot_trades (
			user_id, bot_id, symbol, side, trade_type, order_type, position_side, leverage,
			amount, amount_state, price, fee, order_id, client_order_id, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14, $15, NOW(), NOW()
		)
		ON CONFLICT (order_id) DO NOTHING
	`

	result, err := db.pool.Exec(ctx, query,
		t.UserID, t.BotID, t.Symbol, t.Side, t.Market.String(), t.OrderType, t.PositionSide, t.Leverage,
		t.Amount.String(), t.AmountState.String(), t.Price.String(), t.Fee.String(),
		t.OrderID, t.ClientOrderID, t.Status,
	)
	if err != nil {
		log.Error().Err(err).
			Int64("bot_id", t.BotID).
			Str("order_id", t.OrderID).
			Msg("Failed to insert trade")
		return false, persistErr("insert trade", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateTradeFromStream applies a stream fill to the matching trade.
// Returns false when no trade matches the order.
func (db *DB) UpdateTradeFromStream(ctx context.Context, u *TradeUpdate) (bool, error) {
	query := `
		UPDATE bot_trades SET
			status = $3,
			amount_state = $4::numeric,
			price = CASE WHEN $5::numeric > 0 THEN $5::numeric ELSE price END,
			fee = fee + $6::numeric,
			updated_at = NOW()
		WHERE order_id = $1 OR ($2 <> '' AND client_order_id = $2)
	`

	result, err := db.pool.Exec(ctx, query,
		u.OrderID, u.ClientOrderID, u.Status,
		u.FilledQty.String(), u.AvgPrice.String(), u.Commission.String(),
	)
	if err != nil {
		log.Error().Err(err).Str("order_id", u.OrderID).Msg("Failed to update trade from stream")
		return false, persistErr("update trade", err)
	}
	return result.RowsAffected() > 0, nil
}
