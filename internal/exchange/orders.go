package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
)

const (
	pathSpotTime    = "/api/v3/time"
	pathFuturesTime = "/fapi/v1/time"
)

// OrderResult is the exchange acknowledgement of a placed order
type OrderResult struct {
	OrderID         string
	ClientOrderID   string
	Status          string
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	RateLimit       RateLimitInfo
	Raw             json.RawMessage
}

// orderAck covers the spot, futures and algo order responses
type orderAck struct {
	OrderID             json.Number     `json:"orderId"`
	AlgoID              json.Number     `json:"algoId"`
	ClientOrderID       string          `json:"clientOrderId"`
	ClientAlgoID        string          `json:"clientAlgoId"`
	Status              string          `json:"status"`
	AlgoStatus          string          `json:"algoStatus"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	AvgPrice            decimal.Decimal `json:"avgPrice"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           decimal.Decimal `json:"price"`
		Qty             decimal.Decimal `json:"qty"`
		Commission      decimal.Decimal `json:"commission"`
		CommissionAsset string          `json:"commissionAsset"`
	} `json:"fills"`
}

// PlaceOrder sends prepared order parameters to endpoint with a signature.
// endpoint and params come from a Definition.
func (c *Client) PlaceOrder(ctx context.Context, market db.MarketType, creds Credentials, endpoint string, params url.Values) (*OrderResult, error) {
	resp, err := c.do(ctx, market, http.MethodPost, endpoint, params, &creds, authSigned)
	if err != nil {
		return nil, err
	}

	var ack orderAck
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	res := &OrderResult{
		OrderID:       ack.OrderID.String(),
		ClientOrderID: ack.ClientOrderID,
		Status:        ack.Status,
		ExecutedQty:   ack.ExecutedQty,
		AvgPrice:      ack.AvgPrice,
		RateLimit:     resp.RateLimit,
		Raw:           json.RawMessage(resp.Body),
	}
	if res.OrderID == "" {
		res.OrderID = ack.AlgoID.String()
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = ack.ClientAlgoID
	}
	if res.Status == "" {
		res.Status = ack.AlgoStatus
	}

	// Spot reports fills and quote quantity instead of an average price
	if res.AvgPrice.IsZero() && ack.ExecutedQty.IsPositive() && ack.CummulativeQuoteQty.IsPositive() {
		res.AvgPrice = ack.CummulativeQuoteQty.Div(ack.ExecutedQty)
	}
	for _, f := range ack.Fills {
		res.Commission = res.Commission.Add(f.Commission)
		if res.CommissionAsset == "" {
			res.CommissionAsset = f.CommissionAsset
		}
	}

	return res, nil
}

// CancelOrder cancels an open order by exchange order id
func (c *Client) CancelOrder(ctx context.Context, market db.MarketType, creds Credentials, symbol, orderID string) error {
	path := PathSpotOrder
	if market == db.MarketFutures {
		path = PathFuturesOrder
	}
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	_, err := c.do(ctx, market, http.MethodDelete, path, params, &creds, authSigned)
	return err
}

// ServerTime returns the exchange clock of a market
func (c *Client) ServerTime(ctx context.Context, market db.MarketType) (time.Time, error) {
	path := pathSpotTime
	if market == db.MarketFutures {
		path = pathFuturesTime
	}
	resp, err := c.do(ctx, market, http.MethodGet, path, nil, nil, authNone)
	if err != nil {
		return time.Time{}, err
	}

	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode server time: %w", err)
	}
	return time.UnixMilli(out.ServerTime), nil
}

// SyncTime measures the offset between the local and the exchange clock and
// applies it to the timestamp of signed requests
func (c *Client) SyncTime(ctx context.Context, market db.MarketType) (time.Duration, error) {
	h, err := c.host(market)
	if err != nil {
		return 0, err
	}

	before := c.now()
	server, err := c.ServerTime(ctx, market)
	if err != nil {
		return 0, err
	}
	after := c.now()

	local := before.Add(after.Sub(before) / 2)
	offset := server.Sub(local)
	h.offset.Store(offset.Milliseconds())

	c.log.Debug().
		Str("market", market.String()).
		Dur("offset", offset).
		Msg("Exchange clock offset updated")
	return offset, nil
}
