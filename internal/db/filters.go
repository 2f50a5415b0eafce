package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SymbolFilter holds the exchange trading rules for one (symbol, market)
type SymbolFilter struct {
	Symbol      string
	Market      MarketType
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Numerics are selected as text so no precision is lost on the way to decimal
const filterColumns = `binance_symbol, trade_type, step_size::text, min_qty::text, tick_size::text, min_notional::text`

func scanFilter(row pgx.Row) (*SymbolFilter, error) {
	var f SymbolFilter
	var tradeType, step, minQty, tick, minNotional string
	if err := row.Scan(&f.Symbol, &tradeType, &step, &minQty, &tick, &minNotional); err != nil {
		return nil, err
	}

	market, err := ParseMarketType(tradeType)
	if err != nil {
		return nil, err
	}
	f.Market = market

	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&f.StepSize, step},
		{&f.MinQty, minQty},
		{&f.TickSize, tick},
		{&f.MinNotional, minNotional},
	} {
		d, err := decimal.NewFromString(p.src)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", f.Symbol, err)
		}
		*p.dst = d
	}
	return &f, nil
}

// LoadSymbolFilters returns every USDT-quoted filter of both markets
func (db *DB) LoadSymbolFilters(ctx context.Context) ([]SymbolFilter, error) {
	query := `
		SELECT ` + filterColumns + `
		FROM symbol_filters
		WHERE binance_symbol LIKE '%USDT'
		ORDER BY binance_symbol, trade_type
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load symbol filters")
		return nil, persistErr("load symbol filters", err)
	}
	defer rows.Close()

	var filters []SymbolFilter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			// One malformed row must not hide the rest of the table
			log.Warn().Err(err).Msg("Skipping unreadable symbol filter")
			continue
		}
		filters = append(filters, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate symbol filters", err)
	}
	return filters, nil
}

// GetSymbolFilter returns the filter of one symbol, or ErrNotFound
func (db *DB) GetSymbolFilter(ctx context.Context, symbol string, market MarketType) (*SymbolFilter, error) {
	query := `SELECT ` + filterColumns + ` FROM symbol_filters WHERE binance_symbol = $1 AND trade_type = $2`

	f, err := scanFilter(db.pool.QueryRow(ctx, query, symbol, market.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("filter %s/%s: %w", symbol, market, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get symbol filter", err)
	}
	return f, nil
}

// UpsertSymbolFilters replaces the stored rules for the given symbols
func (db *DB) UpsertSymbolFilters(ctx context.Context, filters []SymbolFilter) error {
	if len(filters) == 0 {
		return nil
	}

	var (
		symbols  = make([]string, len(filters))
		markets  = make([]string, len(filters))
		steps    = make([]string, len(filters))
		minQtys  = make([]string, len(filters))
		ticks    = make([]string, len(filters))
		notional = make([]string, len(filters))
	)
	for i, f := range filters {
		symbols[i] = f.Symbol
		markets[i] = f.Market.String()
		steps[i] = f.StepSize.String()
		minQtys[i] = f.MinQty.String()
		ticks[i] = f.TickSize.String()
		notional[i] = f.MinNotional.String()
	}

	query := `
		INSERT INTO symbol_filters (binance_symbol, trade_type, step_size, min_qty, tick_size, min_notional, updated_at)
		SELECT t.symbol, t.market, t.step::numeric, t.min_qty::numeric, t.tick::numeric, t.notional::numeric, NOW()
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
			AS t(symbol, market, step, min_qty, tick, notional)
		ON CONFLICT (binance_symbol, trade_type) DO UPDATE SET
			step_size = EXCLUDED.step_size,
			min_qty = EXCLUDED.min_qty,
			tick_size = EXCLUDED.tick_size,
			min_notional = EXCLUDED.min_notional,
			updated_at = NOW()
	`

	if _, err := db.pool.Exec(ctx, query, symbols, markets, steps, minQtys, ticks, notional); err != nil {
		log.Error().Err(err).Int("filters", len(filters)).Msg("Failed to upsert symbol filters")
		return persistErr("upsert symbol filters", err)
	}
	return nil
}
