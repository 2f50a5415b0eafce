package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/streamgate/internal/db"
)

// FilterStore is the persistence FilterCache reads through to
type FilterStore interface {
	LoadSymbolFilters(ctx context.Context) ([]db.SymbolFilter, error)
	GetSymbolFilter(ctx context.Context, symbol string, market db.MarketType) (*db.SymbolFilter, error)
}

type filterKey struct {
	symbol string
	market db.MarketType
}

// FilterCache is a read-through cache of symbol trading rules. Entries are
// never mutated once loaded.
type FilterCache struct {
	store FilterStore
	log   zerolog.Logger

	mu      sync.RWMutex
	filters map[filterKey]db.SymbolFilter
	group   singleflight.Group
}

// NewFilterCache creates an empty cache over store
func NewFilterCache(store FilterStore, log zerolog.Logger) *FilterCache {
	return &FilterCache{
		store:   store,
		log:     log,
		filters: make(map[filterKey]db.SymbolFilter),
	}
}

// Load fills the cache with every stored USDT pair
func (c *FilterCache) Load(ctx context.Context) error {
	filters, err := c.store.LoadSymbolFilters(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, f := range filters {
		c.filters[filterKey{f.Symbol, f.Market}] = f
	}
	n := len(c.filters)
	c.mu.Unlock()

	c.log.Info().Int("filters", n).Msg("Symbol filters loaded")
	return nil
}

// Get returns the filter of (symbol, market). A miss does one store lookup,
// shared by concurrent callers, and caches the result.
func (c *FilterCache) Get(ctx context.Context, symbol string, market db.MarketType) (db.SymbolFilter, error) {
	key := filterKey{symbol, market}

	c.mu.RLock()
	f, ok := c.filters[key]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	v, err, _ := c.group.Do(symbol+"|"+market.String(), func() (interface{}, error) {
		f, err := c.store.GetSymbolFilter(ctx, symbol, market)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.filters[key] = *f
		c.mu.Unlock()
		return *f, nil
	})
	if err != nil {
		return db.SymbolFilter{}, fmt.Errorf("symbol filter %s/%s: %w", symbol, market, err)
	}
	return v.(db.SymbolFilter), nil
}

// Len returns the number of cached filters
func (c *FilterCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}
