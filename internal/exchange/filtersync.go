package exchange

import (
	"context"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
)

const filterQuoteAsset = "USDT"

// SyncSymbolFilters pulls exchangeInfo for spot and USD-M perpetuals and
// returns the trading rules of every USDT pair in TRADING status
func (c *Client) SyncSymbolFilters(ctx context.Context) ([]db.SymbolFilter, error) {
	spotClient := binance.NewClient("", "")
	spotClient.BaseURL = c.BaseURL(db.MarketSpot)
	spotClient.HTTPClient = c.http

	spotInfo, err := spotClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot exchange info: %w", err)
	}

	var out []db.SymbolFilter
	for _, s := range spotInfo.Symbols {
		if s.QuoteAsset != filterQuoteAsset || s.Status != "TRADING" {
			continue
		}
		if f, ok := filterFromMaps(s.Symbol, db.MarketSpot, s.Filters); ok {
			out = append(out, f)
		}
	}

	futuresClient := futures.NewClient("", "")
	futuresClient.BaseURL = c.BaseURL(db.MarketFutures)
	futuresClient.HTTPClient = c.http

	futuresInfo, err := futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch futures exchange info: %w", err)
	}

	for _, s := range futuresInfo.Symbols {
		if s.QuoteAsset != filterQuoteAsset || s.Status != "TRADING" || string(s.ContractType) != "PERPETUAL" {
			continue
		}
		if f, ok := filterFromMaps(s.Symbol, db.MarketFutures, s.Filters); ok {
			out = append(out, f)
		}
	}

	c.log.Info().Int("symbols", len(out)).Msg("Symbol filters synced from exchange info")
	return out, nil
}

// filterFromMaps reads LOT_SIZE, PRICE_FILTER and the notional filter. A
// symbol without a positive step size is skipped.
func filterFromMaps(symbol string, market db.MarketType, filters []map[string]interface{}) (db.SymbolFilter, bool) {
	f := db.SymbolFilter{Symbol: symbol, Market: market}

	for _, m := range filters {
		filterType, _ := m["filterType"].(string)
		switch filterType {
		case "LOT_SIZE":
			f.StepSize = decimalField(m, "stepSize")
			f.MinQty = decimalField(m, "minQty")
		case "PRICE_FILTER":
			f.TickSize = decimalField(m, "tickSize")
		case "NOTIONAL", "MIN_NOTIONAL":
			if v := decimalField(m, "minNotional"); v.IsPositive() {
				f.MinNotional = v
			} else if v := decimalField(m, "notional"); v.IsPositive() {
				f.MinNotional = v
			}
		}
	}

	return f, f.StepSize.IsPositive()
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	s, ok := m[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
