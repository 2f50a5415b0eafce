package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/db"
)

type fakeFilterStore struct {
	all     []db.SymbolFilter
	single  map[string]db.SymbolFilter
	loadErr error
	lookups atomic.Int32
	delay   time.Duration
}

func (f *fakeFilterStore) LoadSymbolFilters(ctx context.Context) ([]db.SymbolFilter, error) {
	return f.all, f.loadErr
}

func (f *fakeFilterStore) GetSymbolFilter(ctx context.Context, symbol string, market db.MarketType) (*db.SymbolFilter, error) {
	f.lookups.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	sf, ok := f.single[symbol+"|"+market.String()]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &sf, nil
}

func btcFilter(market db.MarketType) db.SymbolFilter {
	return db.SymbolFilter{
		Symbol:   "BTCUSDT",
		Market:   market,
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.1"),
	}
}

func TestFilterCache_Load(t *testing.T) {
	store := &fakeFilterStore{all: []db.SymbolFilter{btcFilter(db.MarketSpot), btcFilter(db.MarketFutures)}}
	c := NewFilterCache(store, zerolog.Nop())

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 2, c.Len())

	f, err := c.Get(context.Background(), "BTCUSDT", db.MarketFutures)
	require.NoError(t, err)
	assert.Equal(t, db.MarketFutures, f.Market)
	assert.Zero(t, store.lookups.Load())
}

func TestFilterCache_LoadError(t *testing.T) {
	store := &fakeFilterStore{loadErr: errors.New("db down")}
	c := NewFilterCache(store, zerolog.Nop())
	assert.Error(t, c.Load(context.Background()))
}

func TestFilterCache_ReadThrough(t *testing.T) {
	eth := db.SymbolFilter{Symbol: "ETHUSDT", Market: db.MarketSpot, StepSize: decimal.RequireFromString("0.0001")}
	store := &fakeFilterStore{single: map[string]db.SymbolFilter{"ETHUSDT|spot": eth}}
	c := NewFilterCache(store, zerolog.Nop())
	ctx := context.Background()

	f, err := c.Get(ctx, "ETHUSDT", db.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", f.Symbol)

	_, err = c.Get(ctx, "ETHUSDT", db.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.lookups.Load())

	_, err = c.Get(ctx, "DOGEUSDT", db.MarketSpot)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestFilterCache_ConcurrentMissSharesLookup(t *testing.T) {
	store := &fakeFilterStore{
		single: map[string]db.SymbolFilter{"BTCUSDT|futures": btcFilter(db.MarketFutures)},
		delay:  50 * time.Millisecond,
	}
	c := NewFilterCache(store, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "BTCUSDT", db.MarketFutures)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.lookups.Load())
}
