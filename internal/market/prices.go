package market

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// Default staleness thresholds
const (
	DefaultWarningThreshold = 5 * time.Second
	DefaultStaleThreshold   = 10 * time.Second
)

// HealthStatus classifies how fresh the prices of an exchange are
type HealthStatus string

const (
	HealthOK       HealthStatus = "OK"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

func (s HealthStatus) level() int {
	switch s {
	case HealthOK:
		return 0
	case HealthWarning:
		return 1
	default:
		return 2
	}
}

// PriceTicker is the latest top of book of one symbol
type PriceTicker struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Price returns the last trade price, falling back to the mid of bid and ask
func (t PriceTicker) Price() float64 {
	if t.Last > 0 {
		return t.Last
	}
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return 0
}

// HealthReport is the freshness of one exchange key
type HealthReport struct {
	Status  HealthStatus  `json:"status"`
	Age     time.Duration `json:"age"`
	Symbols int           `json:"symbols"`
}

// Health is the result of CheckHealth. Status is the worst of all exchanges.
type Health struct {
	Status    HealthStatus            `json:"status"`
	Exchanges map[string]HealthReport `json:"exchanges"`
}

// PriceCacheConfig configures a PriceCache
type PriceCacheConfig struct {
	WarningThreshold time.Duration
	StaleThreshold   time.Duration
	Mirror           *RedisMirror // optional
	Logger           zerolog.Logger
}

// ExchangeKey is the cache key of a Binance market, e.g. "binance_futures"
func ExchangeKey(market db.MarketType) string {
	return "binance_" + market.String()
}

// shard holds the tickers of one exchange key (e.g. "binance_futures")
type shard struct {
	mu         sync.RWMutex
	tickers    map[string]PriceTicker
	lastUpdate time.Time
}

// PriceCache is the in-memory latest-ticker store. Writers are the bus
// nodes, readers are order execution and the health endpoint.
type PriceCache struct {
	mu     sync.RWMutex
	shards map[string]*shard

	warning time.Duration
	stale   time.Duration
	mirror  *RedisMirror
	log     zerolog.Logger
}

// NewPriceCache creates an empty cache
func NewPriceCache(cfg PriceCacheConfig) *PriceCache {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.StaleThreshold < cfg.WarningThreshold {
		cfg.StaleThreshold = cfg.WarningThreshold
	}

	return &PriceCache{
		shards:  make(map[string]*shard),
		warning: cfg.WarningThreshold,
		stale:   cfg.StaleThreshold,
		mirror:  cfg.Mirror,
		log:     cfg.Logger,
	}
}

func (c *PriceCache) shard(exchange string, create bool) *shard {
	c.mu.RLock()
	s, ok := c.shards[exchange]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[exchange]; !ok {
		s = &shard{tickers: make(map[string]PriceTicker)}
		c.shards[exchange] = s
	}
	return s
}

// Register makes an exchange key known so it reports CRITICAL until data arrives
func (c *PriceCache) Register(exchange string) {
	c.shard(exchange, true)
}

// Update stores t as the latest ticker of (exchange, symbol). Last write wins.
func (c *PriceCache) Update(exchange, symbol string, t PriceTicker) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	s := c.shard(exchange, true)
	s.mu.Lock()
	s.tickers[symbol] = t
	if t.Timestamp.After(s.lastUpdate) {
		s.lastUpdate = t.Timestamp
	}
	s.mu.Unlock()

	metrics.PriceUpdates.WithLabelValues(exchange).Inc()
	c.mirror.Put(exchange, symbol, t)
}

// Get returns the latest ticker of (exchange, symbol)
func (c *PriceCache) Get(exchange, symbol string) (PriceTicker, bool) {
	s := c.shard(exchange, false)
	if s == nil {
		return PriceTicker{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// Exchanges returns the known exchange keys, sorted
func (c *PriceCache) Exchanges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.shards))
	for k := range c.shards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Status classifies a single exchange key at now
func (c *PriceCache) Status(exchange string, now time.Time) HealthReport {
	s := c.shard(exchange, false)
	if s == nil {
		return HealthReport{Status: HealthCritical}
	}

	s.mu.RLock()
	n, last := len(s.tickers), s.lastUpdate
	s.mu.RUnlock()

	if n == 0 {
		return HealthReport{Status: HealthCritical}
	}

	age := now.Sub(last)
	if age < 0 {
		age = 0
	}
	report := HealthReport{Age: age, Symbols: n}
	switch {
	case age < c.warning:
		report.Status = HealthOK
	case age < c.stale:
		report.Status = HealthWarning
	default:
		report.Status = HealthCritical
	}
	return report
}

// CheckHealth classifies every exchange key by the age of its freshest ticker
// and publishes the result as gauges. No exchanges at all is CRITICAL.
func (c *PriceCache) CheckHealth(now time.Time) Health {
	h := Health{Status: HealthOK, Exchanges: make(map[string]HealthReport)}

	exchanges := c.Exchanges()
	if len(exchanges) == 0 {
		h.Status = HealthCritical
		return h
	}

	for _, ex := range exchanges {
		r := c.Status(ex, now)
		h.Exchanges[ex] = r
		metrics.SetPriceHealth(ex, r.Status.level())
		if r.Status.level() > h.Status.level() {
			h.Status = r.Status
		}
	}
	return h
}

// Close stops the Redis mirror, flushing what it still holds
func (c *PriceCache) Close() {
	if err := c.mirror.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close price mirror")
	}
}
