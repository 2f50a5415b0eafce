// Package bus keeps user-data streams connected: WebSocket nodes that each
// multiplex many listen keys, and the service that assigns sessions to them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/backoff"
	"github.com/ajitpratap0/streamgate/internal/balance"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/market"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// ErrNotStarted is returned by operations that need a running service
var ErrNotStarted = errors.New("bus not started")

// Registry is the persistence the service assigns sessions through
type Registry interface {
	NodeRegistry
	ListUnassignedSessions(ctx context.Context, market db.MarketType) ([]db.ActiveSession, error)
	AssignSessionToBus(ctx context.Context, credentialID int64, market db.MarketType, busID int64) error
	MarkExpiredByListenKey(ctx context.Context, listenKey string) error
	CreateBus(ctx context.Context, market db.MarketType, name string) (int64, error)
	UpdateBusSessionCount(ctx context.Context, id int64, count int) error
	UpdateTradeFromStream(ctx context.Context, u *db.TradeUpdate) (bool, error)
}

// BalanceSink buffers wallet updates
type BalanceSink interface {
	Push(u balance.Update)
}

// PriceSink stores tickers
type PriceSink interface {
	Register(exchange string)
	Update(exchange, symbol string, t market.PriceTicker)
}

// Config configures the Service
type Config struct {
	SpotURL      string
	FuturesURL   string
	Capacity     int
	PingInterval time.Duration
	Timeout      time.Duration
	Backoff      backoff.Config
	// TickerSymbols starts a public node per market subscribed to the
	// symbols' book tickers
	TickerSymbols []string
}

type ownerKey struct {
	credentialID int64
	market       db.MarketType
}

type ownership struct {
	node      *Node
	listenKey string
}

// Service owns the nodes of every market
type Service struct {
	cfg      Config
	registry Registry
	balances BalanceSink
	prices   PriceSink
	log      zerolog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	nodes   map[db.MarketType][]*Node
	tickers []*Node
	owners  map[ownerKey]ownership
	wg      sync.WaitGroup
}

// NewService creates a service; nodes are started by Start and Sync
func NewService(cfg Config, registry Registry, balances BalanceSink, prices PriceSink, log zerolog.Logger) *Service {
	if cfg.SpotURL == "" {
		cfg.SpotURL = SpotStreamURL
	}
	if cfg.FuturesURL == "" {
		cfg.FuturesURL = FuturesStreamURL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		balances: balances,
		prices:   prices,
		log:      log,
		nodes:    make(map[db.MarketType][]*Node),
		owners:   make(map[ownerKey]ownership),
	}
}

func (s *Service) url(mkt db.MarketType) string {
	if mkt == db.MarketFutures {
		return s.cfg.FuturesURL
	}
	return s.cfg.SpotURL
}

// Start records the context nodes run under, starts the public ticker nodes
// and assigns every unowned session.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	if len(s.cfg.TickerSymbols) > 0 {
		streams := make([]string, 0, len(s.cfg.TickerSymbols))
		for _, sym := range s.cfg.TickerSymbols {
			streams = append(streams, strings.ToLower(sym)+bookTickerStreamSuffix)
		}
		for _, mkt := range db.Markets {
			if s.prices != nil {
				s.prices.Register(market.ExchangeKey(mkt))
			}
			n := NewNode(s.nodeConfig(0, "ticker-"+mkt.String(), mkt, streams), s, s.registry, s.log)
			s.tickers = append(s.tickers, n)
			s.startLocked(n)
		}
	}
	s.mu.Unlock()

	return s.Sync(ctx)
}

func (s *Service) nodeConfig(id int64, name string, mkt db.MarketType, streams []string) NodeConfig {
	return NodeConfig{
		ID:           id,
		Name:         name,
		Market:       mkt,
		URL:          s.url(mkt),
		Capacity:     s.cfg.Capacity,
		PingInterval: s.cfg.PingInterval,
		Timeout:      s.cfg.Timeout,
		Backoff:      s.cfg.Backoff,
		Streams:      streams,
	}
}

func (s *Service) startLocked(n *Node) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n.Run(ctx)
	}()
}

// Wait blocks until every node has stopped
func (s *Service) Wait() {
	s.wg.Wait()
}

// Sync assigns live sessions that no node owns yet
func (s *Service) Sync(ctx context.Context) error {
	var errs []error
	for _, mkt := range db.Markets {
		sessions, err := s.registry.ListUnassignedSessions(ctx, mkt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		assigned := 0
		for _, sess := range sessions {
			if err := s.Assign(ctx, sess); err != nil {
				s.log.Warn().Err(err).Int64("credential_id", sess.CredentialID).Str("market", mkt.String()).Msg("Failed to assign session")
				errs = append(errs, err)
				continue
			}
			assigned++
		}
		if assigned > 0 {
			s.log.Info().Int("assigned", assigned).Str("market", mkt.String()).Msg("Sessions assigned to nodes")
		}
	}
	return errors.Join(errs...)
}

// Assign subscribes a session on the least loaded node of its market,
// creating a node when all are full. A session already owned under another
// listen key is moved to the new key.
func (s *Service) Assign(ctx context.Context, sess db.ActiveSession) error {
	if !sess.Status.Live() || sess.ListenKey == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return ErrNotStarted
	}

	key := ownerKey{sess.CredentialID, sess.Market}
	var target *Node
	if own, ok := s.owners[key]; ok {
		if own.listenKey == sess.ListenKey {
			target = own.node
		} else {
			own.node.Remove(own.listenKey)
			delete(s.owners, key)
			s.log.Debug().Int64("credential_id", sess.CredentialID).Msg("Listen key replaced")
		}
	}

	if target == nil {
		var err error
		target, err = s.pickLocked(ctx, sess.Market)
		if err != nil {
			return err
		}
		err = target.Add(ctx, Subscription{
			CredentialID: sess.CredentialID,
			UserID:       sess.UserID,
			ListenKey:    sess.ListenKey,
			Status:       sess.Status,
		})
		if err != nil {
			s.log.Warn().Err(err).Int64("credential_id", sess.CredentialID).Msg("Subscribe deferred to reconnect")
		}
		s.owners[key] = ownership{node: target, listenKey: sess.ListenKey}
	}

	if err := s.registry.AssignSessionToBus(ctx, sess.CredentialID, sess.Market, target.ID()); err != nil {
		return err
	}
	s.recordLocked(ctx, target)
	return nil
}

// pickLocked returns the least loaded node with room, creating one if needed
func (s *Service) pickLocked(ctx context.Context, mkt db.MarketType) (*Node, error) {
	var best *Node
	for _, n := range s.nodes[mkt] {
		if n.Len() >= n.Capacity() {
			continue
		}
		if best == nil || n.Len() < best.Len() {
			best = n
		}
	}
	if best != nil {
		return best, nil
	}

	name := fmt.Sprintf("%s-%d", mkt, len(s.nodes[mkt])+1)
	id, err := s.registry.CreateBus(ctx, mkt, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus record: %w", err)
	}

	n := NewNode(s.nodeConfig(id, name, mkt, nil), s, s.registry, s.log)
	s.nodes[mkt] = append(s.nodes[mkt], n)
	s.startLocked(n)

	metrics.BusNodes.WithLabelValues(mkt.String()).Set(float64(len(s.nodes[mkt])))
	s.log.Info().Int64("bus_id", id).Str("name", name).Msg("Node created")
	return n, nil
}

// Remove unsubscribes the session of (credential, market) from its node
func (s *Service) Remove(ctx context.Context, credentialID int64, mkt db.MarketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(ctx, ownerKey{credentialID, mkt}, "")
}

// removeLocked drops an ownership; a non-empty listenKey must match the owned one
func (s *Service) removeLocked(ctx context.Context, key ownerKey, listenKey string) bool {
	own, ok := s.owners[key]
	if !ok || (listenKey != "" && own.listenKey != listenKey) {
		return false
	}
	own.node.Remove(own.listenKey)
	delete(s.owners, key)
	s.recordLocked(ctx, own.node)
	return true
}

// Owner returns the node owning (credential, market)
func (s *Service) Owner(credentialID int64, mkt db.MarketType) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	own, ok := s.owners[ownerKey{credentialID, mkt}]
	return own.node, ok
}

// Nodes returns the session nodes of a market
func (s *Service) Nodes(mkt db.MarketType) []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Node(nil), s.nodes[mkt]...)
}

func (s *Service) recordLocked(ctx context.Context, n *Node) {
	total := 0
	for _, other := range s.nodes[n.Market()] {
		total += other.Len()
	}
	metrics.BusSubscriptions.WithLabelValues(n.Market().String()).Set(float64(total))

	if err := s.registry.UpdateBusSessionCount(ctx, n.ID(), n.Len()); err != nil {
		s.log.Debug().Err(err).Int64("bus_id", n.ID()).Msg("Failed to update bus session count")
	}
}

// HandleEvent routes a parsed frame to balances, trades, prices or the registry
func (s *Service) HandleEvent(ctx context.Context, n *Node, owner *Subscription, ev Event) {
	mkt := n.Market()

	if len(ev.Tickers) > 0 {
		if s.prices == nil {
			return
		}
		exchange := market.ExchangeKey(mkt)
		for _, t := range ev.Tickers {
			s.prices.Update(exchange, t.Symbol, t.PriceTicker)
		}
		return
	}

	if owner == nil {
		s.log.Debug().Str("stream", ev.Stream).Str("event", ev.Type).Msg("Frame for unowned stream")
		return
	}

	switch {
	case len(ev.Balances) > 0:
		if s.balances == nil {
			return
		}
		for _, b := range ev.Balances {
			s.balances.Push(balance.Update{
				CredentialID: owner.CredentialID,
				UserID:       owner.UserID,
				Asset:        b.Asset,
				Account:      mkt,
				Free:         b.Free,
				Locked:       b.Locked,
				Total:        b.Total,
			})
		}

	case ev.Order != nil:
		matched, err := s.registry.UpdateTradeFromStream(ctx, ev.Order)
		if err != nil {
			s.log.Error().Err(err).Str("order_id", ev.Order.OrderID).Msg("Failed to apply order update")
			return
		}
		if !matched {
			s.log.Debug().Str("order_id", ev.Order.OrderID).Str("client_order_id", ev.Order.ClientOrderID).Msg("Order update for unknown trade")
		}

	case ev.Expired:
		s.log.Info().Int64("credential_id", owner.CredentialID).Str("market", mkt.String()).Msg("Listen key expired")
		if err := s.registry.MarkExpiredByListenKey(ctx, owner.ListenKey); err != nil {
			s.log.Error().Err(err).Int64("credential_id", owner.CredentialID).Msg("Failed to mark session EXPIRED")
		}
		s.mu.Lock()
		s.removeLocked(ctx, ownerKey{owner.CredentialID, mkt}, owner.ListenKey)
		s.mu.Unlock()
	}
}
