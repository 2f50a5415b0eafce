package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/db"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

var btcFilter = db.SymbolFilter{
	Symbol:   "BTCUSDT",
	Market:   db.MarketSpot,
	StepSize: d("0.001"),
	MinQty:   d("0.001"),
	TickSize: d("0.1"),
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		req       OrderRequest
		filter    db.SymbolFilter
		price     string
		wantQty   string
		wantPrice string
		wantStop  string
	}{
		{
			name:    "usd amount rounds down",
			req:     OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("200")},
			filter:  btcFilter,
			price:   "118000.5",
			wantQty: "0.001",
		},
		{
			name:    "explicit coin amount rounds half-up",
			req:     OrderRequest{Symbol: "BTCUSDT", AmountCoin: ptr("0.0016999998")},
			filter:  btcFilter,
			price:   "118000.5",
			wantQty: "0.002",
		},
		{
			name:    "explicit coin amount below half rounds down",
			req:     OrderRequest{Symbol: "BTCUSDT", AmountCoin: ptr("0.0014999")},
			filter:  btcFilter,
			price:   "118000.5",
			wantQty: "0.001",
		},
		{
			name:    "coin amount wins over usd",
			req:     OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("100000"), AmountCoin: ptr("0.003")},
			filter:  btcFilter,
			price:   "100",
			wantQty: "0.003",
		},
		{
			name:    "padded step from numeric column renders without trailing zeros",
			req:     OrderRequest{Symbol: "ETHUSDT", AmountUSD: d("1000")},
			filter:  db.SymbolFilter{StepSize: d("0.00010000"), MinQty: d("0.0001"), TickSize: d("0.01")},
			price:   "3000",
			wantQty: "0.3333",
		},
		{
			name:    "large quantity has no exponent",
			req:     OrderRequest{Symbol: "SHIBUSDT", AmountUSD: d("500")},
			filter:  db.SymbolFilter{StepSize: d("1"), MinQty: d("1"), TickSize: d("0.00000001")},
			price:   "0.00001",
			wantQty: "50000000",
		},
		{
			name:      "limit and stop prices floor to tick",
			req:       OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("500"), Price: ptr("117999.99"), StopPrice: ptr("118500.06")},
			filter:    btcFilter,
			price:     "118000",
			wantQty:   "0.004",
			wantPrice: "117999.9",
			wantStop:  "118500",
		},
		{
			name:    "zero step keeps the raw quantity",
			req:     OrderRequest{Symbol: "X", AmountCoin: ptr("1.2345")},
			filter:  db.SymbolFilter{},
			price:   "1",
			wantQty: "1.2345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.req, tt.filter, d(tt.price))
			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, got.Quantity)
			assert.Equal(t, tt.wantPrice, got.Price)
			assert.Equal(t, tt.wantStop, got.StopPrice)
		})
	}
}

func TestNormalize_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		req   OrderRequest
		price string
	}{
		{"below min qty", OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("50")}, "118000.5"},
		{"zero price", OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("200")}, "0"},
		{"negative price", OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("200")}, "-1"},
		{"zero coin amount", OrderRequest{Symbol: "BTCUSDT", AmountCoin: ptr("0")}, "100"},
		{"negative usd", OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("-500")}, "100"},
		{"limit price below one tick", OrderRequest{Symbol: "BTCUSDT", AmountUSD: d("500"), Price: ptr("0.05")}, "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.req, btcFilter, d(tt.price))
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrNormalizationRejected)
		})
	}
}

// Every accepted quantity is an exact step multiple no smaller than min qty
func TestNormalize_StepMultiple(t *testing.T) {
	filter := db.SymbolFilter{StepSize: d("0.01"), MinQty: d("0.05"), TickSize: d("0.01")}
	prices := []string{"0.37", "1", "13.5", "999.99", "31337.1"}
	amounts := []string{"0.5", "1", "7.77", "100", "12345.678"}

	for _, p := range prices {
		for _, a := range amounts {
			got, err := Normalize(OrderRequest{Symbol: "T", AmountUSD: d(a)}, filter, d(p))
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrNormalizationRejected)
				continue
			}
			qty := d(got.Quantity)
			assert.True(t, qty.Mod(filter.StepSize).IsZero(), "%s/%s -> %s", a, p, got.Quantity)
			assert.True(t, qty.GreaterThanOrEqual(filter.MinQty), "%s/%s -> %s", a, p, got.Quantity)
			assert.True(t, qty.Mul(d(p)).LessThanOrEqual(d(a)), "%s/%s spends more than requested", a, p)
		}
	}
}

func TestOrderRequest_Validate(t *testing.T) {
	valid := func() OrderRequest {
		return OrderRequest{BotID: 1, Symbol: " btcusdt ", Side: "buy", AmountUSD: d("10"), Market: db.MarketSpot}
	}

	r := valid()
	require.NoError(t, r.Validate())
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, "BUY", r.Side)
	assert.Equal(t, "MARKET", r.OrderType)
	assert.Equal(t, 1, r.Leverage)

	tests := []struct {
		name   string
		mutate func(r *OrderRequest)
	}{
		{"missing bot", func(r *OrderRequest) { r.BotID = 0 }},
		{"missing symbol", func(r *OrderRequest) { r.Symbol = "" }},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }},
		{"bad market", func(r *OrderRequest) { r.Market = 0 }},
		{"no amount", func(r *OrderRequest) { r.AmountUSD = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestOrderRequest_ClientOrderID(t *testing.T) {
	r := OrderRequest{BotID: 120}
	id := r.ClientOrderID()
	assert.Regexp(t, `^b120_[0-9a-f]{12}$`, id)
	assert.NotEqual(t, id, r.ClientOrderID())

	r.IdempotencyKey = "retry-42"
	assert.Equal(t, "retry-42", r.ClientOrderID())
}
