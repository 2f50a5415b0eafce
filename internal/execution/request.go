// Package execution turns order requests from the strategy layer into signed
// exchange orders and persisted trades.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
)

// OrderRequest is one order from the strategy layer. Exactly one of AmountUSD
// and AmountCoin sizes the order; AmountCoin wins when both are set.
type OrderRequest struct {
	BotID          int64            `json:"bot_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	AmountUSD      decimal.Decimal  `json:"amount_usd"`
	AmountCoin     *decimal.Decimal `json:"amount_coin,omitempty"`
	Market         db.MarketType    `json:"market"`
	Leverage       int              `json:"leverage,omitempty"`
	OrderType      string           `json:"order_type,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	ReduceOnly     bool             `json:"reduce_only,omitempty"`
	TimeInForce    string           `json:"time_in_force,omitempty"`
	PositionSide   string           `json:"position_side,omitempty"`
	WorkingType    string           `json:"working_type,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Validate checks the fields every order needs and upper-cases enums
func (r *OrderRequest) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = strings.ToUpper(r.Side)
	r.OrderType = strings.ToUpper(r.OrderType)
	if r.OrderType == "" {
		r.OrderType = "MARKET"
	}

	switch {
	case r.BotID <= 0:
		return fmt.Errorf("bot_id is required")
	case r.Symbol == "":
		return fmt.Errorf("symbol is required")
	case r.Side != "BUY" && r.Side != "SELL":
		return fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	case r.Market != db.MarketSpot && r.Market != db.MarketFutures:
		return fmt.Errorf("unsupported market %s", r.Market)
	case r.AmountCoin == nil && !r.AmountUSD.IsPositive():
		return fmt.Errorf("amount_usd or amount_coin is required")
	}
	if r.Leverage <= 0 {
		r.Leverage = 1
	}
	return nil
}

// ClientOrderID returns the idempotency key, or a fresh id of the form b{bot}_{12 hex}
func (r *OrderRequest) ClientOrderID() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("b%d_%s", r.BotID, hex[:12])
}

// Outcome is the terminal state of one request
type Outcome struct {
	Request       OrderRequest
	UserID        int64
	OrderID       string
	ClientOrderID string
	Status        string
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	FeeUSD        decimal.Decimal
	Elapsed       time.Duration
	Err           error
}

// Succeeded reports whether the exchange accepted the order
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && o.OrderID != ""
}
