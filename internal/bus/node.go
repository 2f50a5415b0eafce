package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/backoff"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// Combined-stream endpoints
const (
	SpotStreamURL    = "wss://stream.binance.com:9443/stream"
	FuturesStreamURL = "wss://fstream.binance.com/stream"

	TestnetSpotStreamURL    = "wss://stream.testnet.binance.vision/stream"
	TestnetFuturesStreamURL = "wss://stream.binancefuture.com/stream"
)

const (
	DefaultCapacity     = 200
	DefaultPingInterval = 20 * time.Second
	DefaultTimeout      = 10 * time.Second

	// maxParamsPerFrame bounds the streams of one SUBSCRIBE frame
	maxParamsPerFrame = 100
	writeTimeout      = 5 * time.Second
)

// Subscription is a session owned by a node
type Subscription struct {
	CredentialID int64
	UserID       int64
	ListenKey    string
	Status       db.StreamStatus
}

// Handler receives the parsed frames of a node in arrival order. owner is
// nil for public streams.
type Handler interface {
	HandleEvent(ctx context.Context, n *Node, owner *Subscription, ev Event)
}

// NodeRegistry is the persistence a node reports to
type NodeRegistry interface {
	MarkStreamStatus(ctx context.Context, credentialID int64, market db.MarketType, status db.StreamStatus) error
	SetBusConnected(ctx context.Context, id int64, connected bool) error
}

// NodeConfig configures a Node
type NodeConfig struct {
	// ID is the websocket_connections row; 0 for nodes that are not persisted
	ID           int64
	Name         string
	Market       db.MarketType
	URL          string
	Capacity     int
	PingInterval time.Duration
	Timeout      time.Duration
	Backoff      backoff.Config
	// Streams are public streams subscribed on every connect
	Streams []string
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Node is one WebSocket connection multiplexing many listen keys. It
// reconnects forever with backoff and resubscribes everything it owns before
// reading from a new connection.
type Node struct {
	cfg      NodeConfig
	handler  Handler
	registry NodeRegistry
	log      zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
	conn *websocket.Conn

	writeMu   sync.Mutex
	nextID    atomic.Int64
	connected atomic.Bool
}

// NewNode creates a node; call Run to connect
func NewNode(cfg NodeConfig, handler Handler, registry NodeRegistry, log zerolog.Logger) *Node {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s-%d", cfg.Market, cfg.ID)
	}
	return &Node{
		cfg:      cfg,
		handler:  handler,
		registry: registry,
		log:      log.With().Str("node", cfg.Name).Str("market", cfg.Market.String()).Logger(),
		subs:     make(map[string]*Subscription),
	}
}

// ID returns the persisted bus id
func (n *Node) ID() int64 { return n.cfg.ID }

// Market returns the market the node streams
func (n *Node) Market() db.MarketType { return n.cfg.Market }

// Capacity returns the maximum number of owned sessions
func (n *Node) Capacity() int { return n.cfg.Capacity }

// Connected reports whether a connection is currently open
func (n *Node) Connected() bool { return n.connected.Load() }

// Len returns the number of owned sessions
func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Has reports whether the node owns listenKey
func (n *Node) Has(listenKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subs[listenKey]
	return ok
}

func (n *Node) sortedKeysLocked() []string {
	keys := make([]string, 0, len(n.subs))
	for k := range n.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add takes ownership of a session. When connected the key is subscribed at
// once; otherwise it is subscribed on the next connect.
func (n *Node) Add(ctx context.Context, sub Subscription) error {
	n.mu.Lock()
	if _, ok := n.subs[sub.ListenKey]; ok {
		n.mu.Unlock()
		return nil
	}
	s := sub
	n.subs[sub.ListenKey] = &s
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := n.send(conn, "SUBSCRIBE", []string{sub.ListenKey}); err != nil {
		// the read loop sees the broken connection and resubscribes on reconnect
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	n.activate(ctx, []*Subscription{&s})
	return nil
}

// Remove drops a session, unsubscribing it when connected
func (n *Node) Remove(listenKey string) bool {
	n.mu.Lock()
	if _, ok := n.subs[listenKey]; !ok {
		n.mu.Unlock()
		return false
	}
	delete(n.subs, listenKey)
	conn := n.conn
	n.mu.Unlock()

	if conn != nil {
		if err := n.send(conn, "UNSUBSCRIBE", []string{listenKey}); err != nil {
			n.log.Warn().Err(err).Msg("Failed to unsubscribe listen key")
		}
	}
	return true
}

func (n *Node) owner(stream string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.subs[stream]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Run keeps the node connected until ctx is done
func (n *Node) Run(ctx context.Context) {
	policy := backoff.New(n.cfg.Backoff)

	for {
		err := n.session(ctx, policy)
		if ctx.Err() != nil {
			n.log.Info().Msg("Node stopped")
			return
		}

		metrics.BusReconnects.WithLabelValues(n.cfg.Market.String()).Inc()
		n.log.Warn().Err(err).Int("attempt", policy.Attempt()+1).Msg("Connection lost, reconnecting")

		if err := policy.Wait(ctx); err != nil {
			n.log.Info().Msg("Node stopped")
			return
		}
	}
}

// session runs one connection: dial, resubscribe, then read until failure
func (n *Node) session(ctx context.Context, policy *backoff.Policy) error {
	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	dialer := websocket.Dialer{HandshakeTimeout: n.cfg.Timeout}
	conn, _, err := dialer.DialContext(dialCtx, n.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	readTimeout := 2*n.cfg.PingInterval + n.cfg.Timeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	n.mu.Lock()
	n.conn = conn
	keys := n.sortedKeysLocked()
	pending := make([]*Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		pending = append(pending, s)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		n.mu.Lock()
		n.conn = nil
		n.mu.Unlock()
		_ = conn.Close()
		n.setConnected(false)
	}()

	streams := append(append([]string{}, n.cfg.Streams...), keys...)
	for start := 0; start < len(streams); start += maxParamsPerFrame {
		end := min(start+maxParamsPerFrame, len(streams))
		if err := n.send(conn, "SUBSCRIBE", streams[start:end]); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	n.setConnected(true)
	n.log.Info().Int("sessions", len(keys)).Int("public_streams", len(n.cfg.Streams)).Msg("Connected")
	n.activate(ctx, pending)

	go n.keepAlive(ctx, conn, done)

	first := true
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if first {
			policy.Reset()
			first = false
		}
		n.dispatch(ctx, raw)
	}
}

// keepAlive pings until the session ends; a failed ping closes the connection
func (n *Node) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				n.log.Warn().Err(err).Msg("Ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (n *Node) dispatch(ctx context.Context, raw []byte) {
	mkt := n.cfg.Market.String()

	ev, err := ParseFrame(n.cfg.Market, raw)
	if err != nil {
		metrics.BusFrames.WithLabelValues(mkt, "invalid").Inc()
		n.log.Warn().Err(err).Msg("Dropping unparseable frame")
		return
	}
	metrics.BusFrames.WithLabelValues(mkt, ev.Type).Inc()

	switch ev.Type {
	case EventControl, EventUnknown, EventBalanceUpdate:
		return
	}

	if n.handler != nil {
		n.handler.HandleEvent(ctx, n, n.owner(ev.Stream), ev)
	}
}

func (n *Node) send(conn *websocket.Conn, method string, params []string) error {
	frame, err := json.Marshal(controlFrame{Method: method, Params: params, ID: n.nextID.Add(1)})
	if err != nil {
		return err
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// activate marks freshly subscribed NEW sessions ACTIVE
func (n *Node) activate(ctx context.Context, subs []*Subscription) {
	if n.registry == nil {
		return
	}
	for _, s := range subs {
		n.mu.Lock()
		isNew := s.Status == db.StatusNew
		n.mu.Unlock()
		if !isNew {
			continue
		}

		err := n.registry.MarkStreamStatus(ctx, s.CredentialID, n.cfg.Market, db.StatusActive)
		if err != nil && !errors.Is(err, db.ErrInvalidTransition) {
			n.log.Warn().Err(err).Int64("credential_id", s.CredentialID).Msg("Failed to mark session ACTIVE")
			continue
		}
		n.mu.Lock()
		s.Status = db.StatusActive
		n.mu.Unlock()
	}
}

func (n *Node) setConnected(connected bool) {
	n.connected.Store(connected)
	if n.registry == nil || n.cfg.ID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := n.registry.SetBusConnected(ctx, n.cfg.ID, connected); err != nil {
		n.log.Debug().Err(err).Msg("Failed to record bus connection state")
	}
}
