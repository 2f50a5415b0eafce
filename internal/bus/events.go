package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/market"
)

// Event types routed by the bus. Values match the exchange "e" field where one exists.
const (
	EventAccountPosition   = "outboundAccountPosition"
	EventBalanceUpdate     = "balanceUpdate"
	EventAccountUpdate     = "ACCOUNT_UPDATE"
	EventExecutionReport   = "executionReport"
	EventOrderTradeUpdate  = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired  = "listenKeyExpired"
	EventStreamTerminated  = "eventStreamTerminated"
	EventTicker            = "24hrTicker"
	EventMiniTicker        = "24hrMiniTicker"
	EventBookTicker        = "bookTicker"
	EventControl           = "control"
	EventUnknown           = "unknown"
	bookTickerStreamSuffix = "@bookTicker"
)

// BalanceChange is one asset of a wallet update
type BalanceChange struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// Ticker is a price update for one symbol
type Ticker struct {
	Symbol string
	market.PriceTicker
}

// Event is a parsed inbound frame. At most one of Balances, Order, Expired
// and Tickers is set; none is set for dropped and control frames.
type Event struct {
	Type     string
	Stream   string
	Balances []BalanceChange
	Order    *db.TradeUpdate
	Expired  bool
	Tickers  []Ticker
}

// fields gives exact-key access to a JSON object. Binance payloads use keys
// that differ only by case ("c"/"C", "x"/"X"), which struct decoding would
// conflate.
type fields map[string]json.RawMessage

func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numbers and other scalars are kept verbatim
	return strings.Trim(string(raw), `"`)
}

func (f fields) dec(key string) (decimal.Decimal, error) {
	s := f.str(key)
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
	}
	return d, nil
}

func (f fields) float(key string) float64 {
	v, err := strconv.ParseFloat(f.str(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func (f fields) object(key string) (fields, error) {
	var out fields
	raw, ok := f[key]
	if !ok {
		return fields{}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return out, nil
}

func (f fields) objects(key string) ([]fields, error) {
	var out []fields
	raw, ok := f[key]
	if !ok {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return out, nil
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     json.RawMessage `json:"id"`
}

// ParseFrame decodes a combined-stream frame received on a node of mkt
func ParseFrame(mkt db.MarketType, raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("invalid frame: %w", err)
	}

	if len(env.Data) == 0 {
		if len(env.ID) > 0 {
			return Event{Type: EventControl}, nil
		}
		return Event{Type: EventUnknown}, nil
	}

	ev := Event{Stream: env.Stream}

	// Array streams (!ticker@arr, !miniTicker@arr)
	if env.Data[0] == '[' {
		var items []fields
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return Event{}, fmt.Errorf("invalid ticker array: %w", err)
		}
		ev.Type = EventTicker
		for _, item := range items {
			if t, ok := parseTicker(item); ok {
				ev.Tickers = append(ev.Tickers, t)
			}
		}
		return ev, nil
	}

	var data fields
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Event{}, fmt.Errorf("invalid frame data: %w", err)
	}

	ev.Type = data.str("e")
	if ev.Type == "" && strings.HasSuffix(env.Stream, bookTickerStreamSuffix) {
		// spot book tickers carry no event type
		ev.Type = EventBookTicker
	}

	var err error
	switch ev.Type {
	case EventAccountPosition:
		ev.Balances, err = parseAccountPosition(data)
	case EventAccountUpdate:
		ev.Balances, err = parseAccountUpdate(data)
	case EventExecutionReport:
		ev.Order, err = parseExecutionReport(data)
	case EventOrderTradeUpdate:
		ev.Order, err = parseOrderTradeUpdate(data)
	case EventListenKeyExpired, EventStreamTerminated:
		ev.Type = EventListenKeyExpired
		ev.Expired = true
	case EventTicker, EventMiniTicker, EventBookTicker:
		if t, ok := parseTicker(data); ok {
			ev.Tickers = []Ticker{t}
		}
	case EventBalanceUpdate:
		// an outboundAccountPosition with the new totals follows
	default:
		ev.Type = EventUnknown
	}
	if err != nil {
		return Event{}, fmt.Errorf("%s: %w", ev.Type, err)
	}
	return ev, nil
}

func parseAccountPosition(data fields) ([]BalanceChange, error) {
	items, err := data.objects("B")
	if err != nil {
		return nil, err
	}

	changes := make([]BalanceChange, 0, len(items))
	for _, b := range items {
		free, err := b.dec("f")
		if err != nil {
			return nil, err
		}
		locked, err := b.dec("l")
		if err != nil {
			return nil, err
		}
		changes = append(changes, BalanceChange{
			Asset:  b.str("a"),
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		})
	}
	return changes, nil
}

// parseAccountUpdate maps futures wallet balances: the cross wallet balance is
// free and the remainder of the wallet balance is locked.
func parseAccountUpdate(data fields) ([]BalanceChange, error) {
	account, err := data.object("a")
	if err != nil {
		return nil, err
	}
	items, err := account.objects("B")
	if err != nil {
		return nil, err
	}

	changes := make([]BalanceChange, 0, len(items))
	for _, b := range items {
		wallet, err := b.dec("wb")
		if err != nil {
			return nil, err
		}
		cross, err := b.dec("cw")
		if err != nil {
			return nil, err
		}
		locked := wallet.Sub(cross)
		if locked.IsNegative() {
			locked = decimal.Zero
		}
		changes = append(changes, BalanceChange{
			Asset:  b.str("a"),
			Free:   cross,
			Locked: locked,
			Total:  wallet,
		})
	}
	return changes, nil
}

func parseExecutionReport(data fields) (*db.TradeUpdate, error) {
	filled, err := data.dec("z")
	if err != nil {
		return nil, err
	}
	quote, err := data.dec("Z")
	if err != nil {
		return nil, err
	}
	commission, err := data.dec("n")
	if err != nil {
		return nil, err
	}

	avg := decimal.Zero
	if filled.IsPositive() {
		avg = quote.Div(filled)
	}

	return &db.TradeUpdate{
		OrderID:       data.str("i"),
		ClientOrderID: data.str("c"),
		Status:        data.str("X"),
		FilledQty:     filled,
		AvgPrice:      avg,
		Commission:    commission,
	}, nil
}

func parseOrderTradeUpdate(data fields) (*db.TradeUpdate, error) {
	order, err := data.object("o")
	if err != nil {
		return nil, err
	}

	filled, err := order.dec("z")
	if err != nil {
		return nil, err
	}
	avg, err := order.dec("ap")
	if err != nil {
		return nil, err
	}
	commission, err := order.dec("n")
	if err != nil {
		return nil, err
	}

	return &db.TradeUpdate{
		OrderID:       order.str("i"),
		ClientOrderID: order.str("c"),
		Status:        order.str("X"),
		FilledQty:     filled,
		AvgPrice:      avg,
		Commission:    commission,
	}, nil
}

func parseTicker(data fields) (Ticker, bool) {
	symbol := data.str("s")
	if symbol == "" {
		return Ticker{}, false
	}
	t := Ticker{
		Symbol: symbol,
		PriceTicker: market.PriceTicker{
			Bid:  data.float("b"),
			Ask:  data.float("a"),
			Last: data.float("c"),
		},
	}
	return t, t.Price() > 0
}
