package execution

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/exchange"
	"github.com/ajitpratap0/streamgate/internal/market"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

const (
	DefaultFuturesWorkers = 5
	DefaultSpotWorkers    = 2
	DefaultQueueSize      = 1000
	DefaultFuturesRate    = 28
	DefaultSpotRate       = 8

	sideTaskWorkers  = 4
	sideTaskCapacity = 1000
)

var (
	// ErrQueueFull is returned by Submit when the request's lane has no room
	ErrQueueFull = errors.New("order queue full")
	// ErrNotRunning is returned by Submit after Stop
	ErrNotRunning = errors.New("execution service not running")

	errNoPrice    = fmt.Errorf("%w: no current price", apperr.ErrNormalizationRejected)
	errStalePrice = fmt.Errorf("%w: price feed is CRITICAL", apperr.ErrNormalizationRejected)
)

// stable quote assets whose commission is already in USD
var usdAssets = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "FDUSD": true, "USD": true}

// Store is the persistence the pipeline reads credentials from and records trades to
type Store interface {
	GetCredentialByBot(ctx context.Context, botID int64) (*db.Credential, error)
	InsertTrade(ctx context.Context, t *db.Trade) (bool, error)
}

// Exchange sends signed orders
type Exchange interface {
	PlaceOrder(ctx context.Context, market db.MarketType, creds exchange.Credentials, endpoint string, params url.Values) (*exchange.OrderResult, error)
}

// Prices is the in-memory price cache
type Prices interface {
	Get(exchange, symbol string) (market.PriceTicker, bool)
	Status(exchange string, now time.Time) market.HealthReport
}

// Filters resolves symbol filters
type Filters interface {
	Get(ctx context.Context, symbol string, market db.MarketType) (db.SymbolFilter, error)
}

// Notifier receives terminal outcomes off the order lanes
type Notifier interface {
	NotifyOrder(ctx context.Context, o Outcome) error
}

// Config sizes the lanes and limiters
type Config struct {
	FuturesWorkers       int
	SpotWorkers          int
	QueueSize            int
	FuturesRate          float64
	SpotRate             float64
	RefuseCriticalPrices bool
}

type credKey struct {
	botID  int64
	market db.MarketType
}

// lanes is the sequential workers of one market. A bot always maps to the
// same lane so its orders execute in submission order.
type lanes struct {
	market  db.MarketType
	queues  []chan OrderRequest
	limiter *rate.Limiter
}

func (l *lanes) of(botID int64) chan OrderRequest {
	i := botID % int64(len(l.queues))
	if i < 0 {
		i = -i
	}
	return l.queues[i]
}

func (l *lanes) depth() int {
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// Service executes order requests on per-market lanes
type Service struct {
	cfg      Config
	store    Store
	exchange Exchange
	prices   Prices
	filters  Filters
	notifier Notifier
	log      zerolog.Logger

	markets map[db.MarketType]*lanes
	side    *pond.WorkerPool

	credMu sync.RWMutex
	creds  map[credKey]*db.Credential

	runMu   sync.RWMutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates the service; notifier may be nil
func NewService(cfg Config, store Store, ex Exchange, prices Prices, filters Filters, notifier Notifier, log zerolog.Logger) *Service {
	if cfg.FuturesWorkers <= 0 {
		cfg.FuturesWorkers = DefaultFuturesWorkers
	}
	if cfg.SpotWorkers <= 0 {
		cfg.SpotWorkers = DefaultSpotWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FuturesRate <= 0 {
		cfg.FuturesRate = DefaultFuturesRate
	}
	if cfg.SpotRate <= 0 {
		cfg.SpotRate = DefaultSpotRate
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		exchange: ex,
		prices:   prices,
		filters:  filters,
		notifier: notifier,
		log:      log,
		markets:  make(map[db.MarketType]*lanes),
		creds:    make(map[credKey]*db.Credential),
		now:      time.Now,
	}
	s.markets[db.MarketFutures] = newLanes(db.MarketFutures, cfg.FuturesWorkers, cfg.QueueSize, cfg.FuturesRate)
	s.markets[db.MarketSpot] = newLanes(db.MarketSpot, cfg.SpotWorkers, cfg.QueueSize, cfg.SpotRate)

	s.side = pond.New(sideTaskWorkers, sideTaskCapacity,
		pond.MinWorkers(1),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("Side task panic recovered")
		}),
	)
	return s
}

func newLanes(mkt db.MarketType, workers, queueSize int, perSecond float64) *lanes {
	l := &lanes{
		market:  mkt,
		queues:  make([]chan OrderRequest, workers),
		limiter: rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond))),
	}
	for i := range l.queues {
		l.queues[i] = make(chan OrderRequest, queueSize)
	}
	return l
}

// Start launches one goroutine per lane
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running || s.stopped {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, l := range s.markets {
		for i, q := range l.queues {
			s.wg.Add(1)
			go s.worker(ctx, l, i, q)
		}
		s.log.Info().Str("market", l.market.String()).Int("workers", len(l.queues)).Msg("Order lanes started")
	}
}

// Stop cancels the lanes, waits for in-flight orders and drains side tasks.
// In-flight orders finish under the REST client's own timeout. Requests still
// queued are dropped.
func (s *Service) Stop() {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.runMu.Unlock()

	s.wg.Wait()
	s.side.StopAndWait()
	s.log.Info().Msg("Order lanes stopped")
}

// Submit validates and enqueues a request without blocking
func (s *Service) Submit(req OrderRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.runMu.RLock()
	defer s.runMu.RUnlock()
	if s.stopped {
		return ErrNotRunning
	}

	l := s.markets[req.Market]
	select {
	case l.of(req.BotID) <- req:
		metrics.OrderQueueDepth.WithLabelValues(l.market.String()).Set(float64(l.depth()))
		return nil
	default:
		metrics.Orders.WithLabelValues(l.market.String(), metrics.ResultSkipped).Inc()
		return fmt.Errorf("%w: bot %d on %s", ErrQueueFull, req.BotID, l.market)
	}
}

func (s *Service) worker(ctx context.Context, l *lanes, id int, queue <-chan OrderRequest) {
	defer s.wg.Done()
	log := s.log.With().Str("market", l.market.String()).Int("lane", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			metrics.OrderQueueDepth.WithLabelValues(l.market.String()).Set(float64(l.depth()))
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			// Once dequeued the order runs to completion; Stop must not abort
			// a placed order before its trade is recorded.
			out := s.Execute(context.WithoutCancel(ctx), req)
			if out.Err != nil {
				log.Error().Err(out.Err).
					Int64("bot_id", req.BotID).
					Str("symbol", req.Symbol).
					Str("kind", apperr.KindOf(out.Err)).
					Msg("Order failed")
			}
			s.afterTrade(ctx, out)
		}
	}
}

// Execute runs the whole pipeline for one request on the calling goroutine:
// credential, price, normalization, parameter mapping, order, trade record.
func (s *Service) Execute(ctx context.Context, req OrderRequest) Outcome {
	start := s.now()
	out := Outcome{Request: req}

	out.Err = s.execute(ctx, &req, &out)
	out.Request = req
	out.Elapsed = s.now().Sub(start)
	metrics.RecordOrder(req.Market.String(), float64(out.Elapsed.Milliseconds()), out.Err)
	return out
}

func (s *Service) execute(ctx context.Context, req *OrderRequest, out *Outcome) error {
	if err := req.Validate(); err != nil {
		return err
	}

	cred, err := s.credential(ctx, req.BotID, req.Market)
	if err != nil {
		return err
	}
	out.UserID = cred.UserID

	price, err := s.currentPrice(req.Market, req.Symbol)
	if err != nil {
		return err
	}

	filter, err := s.filters.Get(ctx, req.Symbol, req.Market)
	if err != nil {
		return fmt.Errorf("failed to resolve filter for %s: %w", req.Symbol, err)
	}

	norm, err := Normalize(*req, filter, price)
	if err != nil {
		return err
	}
	out.Quantity = decimal.RequireFromString(norm.Quantity)

	def, err := exchange.DefinitionFor(cred.Exchange, req.Market)
	if err != nil {
		return err
	}
	clientID := req.ClientOrderID()
	out.ClientOrderID = clientID

	endpoint, params, err := def.Prepare(exchange.OrderSpec{
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      norm.Quantity,
		Price:         norm.Price,
		StopPrice:     norm.StopPrice,
		TimeInForce:   req.TimeInForce,
		PositionSide:  req.PositionSide,
		ReduceOnly:    req.ReduceOnly,
		WorkingType:   req.WorkingType,
		ClientOrderID: clientID,
	})
	if err != nil {
		return err
	}

	creds := exchange.Credentials{APIKey: cred.APIKey, APISecret: cred.APISecret}
	res, err := s.exchange.PlaceOrder(ctx, req.Market, creds, endpoint, params)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthFailure) {
			s.forget(req.BotID, req.Market)
		}
		return fmt.Errorf("failed to place order: %w", err)
	}

	out.OrderID = res.OrderID
	out.Status = res.Status
	out.FilledQty = res.ExecutedQty
	out.AvgPrice = res.AvgPrice
	out.FeeUSD = s.commissionUSD(res)
	if res.ClientOrderID != "" {
		out.ClientOrderID = res.ClientOrderID
	}

	positionSide := req.PositionSide
	if positionSide == "" {
		positionSide = "BOTH"
	}
	trade := &db.Trade{
		UserID:        cred.UserID,
		BotID:         req.BotID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Market:        req.Market,
		OrderType:     req.OrderType,
		PositionSide:  positionSide,
		Leverage:      req.Leverage,
		Amount:        out.Quantity,
		AmountState:   res.ExecutedQty,
		Price:         res.AvgPrice,
		Fee:           out.FeeUSD,
		OrderID:       res.OrderID,
		ClientOrderID: out.ClientOrderID,
		Status:        res.Status,
	}
	inserted, err := s.store.InsertTrade(ctx, trade)
	if err != nil {
		return fmt.Errorf("order %s placed but not recorded: %w", res.OrderID, err)
	}
	if !inserted {
		s.log.Debug().Str("order_id", res.OrderID).Msg("Trade already recorded")
	}
	return nil
}

// credential resolves the credential of a bot once per (bot, market)
func (s *Service) credential(ctx context.Context, botID int64, mkt db.MarketType) (*db.Credential, error) {
	key := credKey{botID, mkt}

	s.credMu.RLock()
	c, ok := s.creds[key]
	s.credMu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := s.store.GetCredentialByBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential of bot %d: %w", botID, err)
	}
	if !c.Enabled(mkt) {
		return nil, fmt.Errorf("bot %d: credential %d is not enabled for %s: %w", botID, c.ID, mkt, apperr.ErrAuthFailure)
	}

	s.credMu.Lock()
	s.creds[key] = c
	s.credMu.Unlock()
	return c, nil
}

func (s *Service) forget(botID int64, mkt db.MarketType) {
	s.credMu.Lock()
	delete(s.creds, credKey{botID, mkt})
	s.credMu.Unlock()
}

// ForgetCredential drops every cached bot binding to a credential, so the
// next order re-reads it after the credential changed or was removed
func (s *Service) ForgetCredential(credentialID int64) {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	for k, c := range s.creds {
		if c.ID == credentialID {
			delete(s.creds, k)
		}
	}
}

func (s *Service) currentPrice(mkt db.MarketType, symbol string) (decimal.Decimal, error) {
	key := market.ExchangeKey(mkt)
	if s.cfg.RefuseCriticalPrices && s.prices.Status(key, s.now()).Status == market.HealthCritical {
		return decimal.Zero, fmt.Errorf("%s %s: %w", key, symbol, errStalePrice)
	}

	t, ok := s.prices.Get(key, symbol)
	if !ok || t.Price() <= 0 {
		return decimal.Zero, fmt.Errorf("%s %s: %w", key, symbol, errNoPrice)
	}
	return decimal.NewFromFloat(t.Price()), nil
}

// commissionUSD values the order's commission with spot prices. Unknown
// assets count as zero.
func (s *Service) commissionUSD(res *exchange.OrderResult) decimal.Decimal {
	if res.Commission.IsZero() {
		return decimal.Zero
	}
	if res.CommissionAsset == "" || usdAssets[res.CommissionAsset] {
		return res.Commission
	}

	t, ok := s.prices.Get(market.ExchangeKey(db.MarketSpot), res.CommissionAsset+"USDT")
	if !ok || t.Price() <= 0 {
		s.log.Debug().Str("asset", res.CommissionAsset).Msg("No price for commission asset")
		return decimal.Zero
	}
	return res.Commission.Mul(decimal.NewFromFloat(t.Price()))
}

// afterTrade hands the outcome to the notifier off the lane
func (s *Service) afterTrade(ctx context.Context, out Outcome) {
	if s.notifier == nil || out.UserID == 0 {
		return
	}
	ok := s.side.TrySubmit(func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.notifier.NotifyOrder(nctx, out); err != nil {
			s.log.Warn().Err(err).Int64("bot_id", out.Request.BotID).Msg("Failed to send order notification")
		}
	})
	if !ok {
		s.log.Warn().Int64("bot_id", out.Request.BotID).Msg("Side task pool full, notification dropped")
	}
}
