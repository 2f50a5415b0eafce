// Package orchestrator turns persisted-state change events and time ticks into
// onboarding and connection bus actions, and feeds strategy orders into the
// execution service.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/execution"
	"github.com/ajitpratap0/streamgate/internal/metrics"
	"github.com/ajitpratap0/streamgate/internal/onboarding"
)

const (
	DefaultPollInterval        = time.Second
	DefaultMaintenanceInterval = 30 * time.Minute
	DefaultSyncInterval        = time.Minute
	DefaultQueueSize           = 1024
	DefaultDrainBatch          = 500
	DefaultEventsSubject       = "streamgate.events"
	DefaultOrdersSubject       = "streamgate.orders"
)

// Onboarder creates, renews and removes stream sessions
type Onboarder interface {
	Genesis(ctx context.Context, market db.MarketType) (onboarding.BatchStats, error)
	Maintenance(ctx context.Context) (onboarding.BatchStats, error)
	OnboardCredential(ctx context.Context, credentialID int64) error
	OnboardMarket(ctx context.Context, credentialID int64, market db.MarketType) error
	RemoveCredential(ctx context.Context, credentialID int64, market *db.MarketType) error
}

// Bus owns the WebSocket nodes sessions are subscribed on
type Bus interface {
	Start(ctx context.Context) error
	Sync(ctx context.Context) error
	Remove(ctx context.Context, credentialID int64, market db.MarketType)
}

// EventQueue is the persisted change-event queue
type EventQueue interface {
	DrainEvents(ctx context.Context, limit int) ([]db.QueuedEvent, error)
}

// Orders accepts strategy orders and drops cached credentials on change
type Orders interface {
	Submit(req execution.OrderRequest) error
	ForgetCredential(credentialID int64)
}

// Config holds orchestrator configuration
type Config struct {
	NATSURL             string
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	SyncInterval        time.Duration
	EventsSubject       string
	OrdersSubject       string
	QueueSize           int
	DrainBatch          int
}

// OrderReply answers an order published with a reply subject
type OrderReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Orchestrator is the single dispatcher over change events
type Orchestrator struct {
	config Config
	log    zerolog.Logger

	onboarder Onboarder
	bus       Bus
	queue     EventQueue
	orders    Orders

	natsConn  *nats.Conn
	ownsConn  bool
	eventsSub *nats.Subscription
	ordersSub *nats.Subscription

	events chan ChangeEvent

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

// New creates an orchestrator. queue and orders may be nil.
func New(cfg Config, onboarder Onboarder, bus Bus, queue EventQueue, orders Orders, log zerolog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.EventsSubject == "" {
		cfg.EventsSubject = DefaultEventsSubject
	}
	if cfg.OrdersSubject == "" {
		cfg.OrdersSubject = DefaultOrdersSubject
	}

	return &Orchestrator{
		config:    cfg,
		log:       log.With().Str("component", "orchestrator").Logger(),
		onboarder: onboarder,
		bus:       bus,
		queue:     queue,
		orders:    orders,
		events:    make(chan ChangeEvent, cfg.QueueSize),
	}
}

// UseConn makes the orchestrator subscribe on an existing connection
// instead of dialing NATSURL. The caller keeps ownership of nc.
func (o *Orchestrator) UseConn(nc *nats.Conn) {
	o.natsConn = nc
}

// Initialize onboards every market, starts the bus and subscribes to the
// NATS subjects. A genesis failure on one market does not stop the others.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.log.Info().Msg("Initializing orchestrator")

	o.ctx, o.cancel = context.WithCancel(ctx)

	for _, mkt := range db.Markets {
		stats, err := o.onboarder.Genesis(o.ctx, mkt)
		if err != nil {
			metrics.RecordError("orchestrator", err)
			o.log.Error().Err(err).Str("market", mkt.String()).Msg("Genesis failed")
			continue
		}
		o.log.Info().
			Str("market", mkt.String()).
			Int("succeeded", stats.Succeeded).
			Int("failed", stats.Failed).
			Int("batches", stats.Batches).
			Msg("Genesis finished")
	}

	if err := o.bus.Start(o.ctx); err != nil {
		return fmt.Errorf("failed to start connection bus: %w", err)
	}

	if o.natsConn == nil && o.config.NATSURL != "" {
		nc, err := nats.Connect(o.config.NATSURL, nats.Name("streamgate-orchestrator"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		o.natsConn = nc
		o.ownsConn = true
		o.log.Info().Str("nats_url", o.config.NATSURL).Msg("Connected to NATS")
	}

	if o.natsConn != nil {
		if err := o.subscribe(); err != nil {
			return err
		}
	}

	o.log.Info().Msg("Orchestrator initialized successfully")
	return nil
}

func (o *Orchestrator) subscribe() error {
	sub, err := o.natsConn.Subscribe(o.config.EventsSubject, o.handleEventMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events subject: %w", err)
	}
	o.eventsSub = sub
	o.log.Info().Str("subject", o.config.EventsSubject).Msg("Subscribed to change events")

	if o.orders == nil {
		return nil
	}
	sub, err = o.natsConn.Subscribe(o.config.OrdersSubject, o.handleOrderMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to orders subject: %w", err)
	}
	o.ordersSub = sub
	o.log.Info().Str("subject", o.config.OrdersSubject).Msg("Subscribed to strategy orders")
	return nil
}

// Run drives the event sources and the dispatcher until ctx or Shutdown ends it
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.ctx == nil {
		return errors.New("orchestrator not initialized")
	}
	o.log.Info().Msg("Starting orchestrator run loop")

	if o.queue != nil {
		o.wg.Add(1)
		go o.pollLoop()
	}
	o.wg.Add(1)
	go o.tickLoop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("Orchestrator run loop stopped by context")
			return ctx.Err()
		case <-o.ctx.Done():
			o.log.Info().Msg("Orchestrator run loop stopped by internal context")
			return o.ctx.Err()
		case ev := <-o.events:
			o.dispatch(o.ctx, ev)
		}
	}
}

// pollLoop drains the persisted queue every poll interval. Drained rows are
// already deleted, so they are handed to the dispatcher blocking.
func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drain()
		}
	}
}

func (o *Orchestrator) drain() {
	queued, err := o.queue.DrainEvents(o.ctx, o.config.DrainBatch)
	if err != nil {
		metrics.RecordError("orchestrator", err)
		o.log.Error().Err(err).Msg("Failed to drain event queue")
		return
	}
	for _, q := range queued {
		ev, err := fromQueued(q)
		if err != nil {
			o.log.Error().Err(err).Msg("Dropping undecodable event")
			continue
		}
		ev.source = metrics.SourceQueue
		select {
		case o.events <- ev:
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) tickLoop() {
	defer o.wg.Done()

	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()
	syncTick := time.NewTicker(o.config.SyncInterval)
	defer syncTick.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-maintenance.C:
			o.offer(ChangeEvent{Type: EventTimeTick, Data: EventData{Interval: TickMaintenance}, source: metrics.SourceTimer})
		case <-syncTick.C:
			o.offer(ChangeEvent{Type: EventTimeTick, Data: EventData{Interval: TickSync}, source: metrics.SourceTimer})
		}
	}
}

// offer enqueues without blocking; the persisted queue and the next tick
// cover anything dropped here
func (o *Orchestrator) offer(ev ChangeEvent) bool {
	select {
	case o.events <- ev:
		return true
	default:
		o.log.Warn().Str("type", ev.Type).Str("source", ev.source).Msg("Dispatcher queue full, event dropped")
		return false
	}
}

func (o *Orchestrator) handleEventMsg(msg *nats.Msg) {
	var ev ChangeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		o.log.Error().Err(err).Msg("Failed to unmarshal change event")
		return
	}
	ev.source = metrics.SourceNATS
	o.offer(ev)
}

func (o *Orchestrator) handleOrderMsg(msg *nats.Msg) {
	var (
		req   execution.OrderRequest
		reply OrderReply
	)

	err := json.Unmarshal(msg.Data, &req)
	if err == nil {
		err = o.orders.Submit(req)
	}
	if err != nil {
		reply.Error = err.Error()
		o.log.Warn().Err(err).Int64("bot_id", req.BotID).Str("symbol", req.Symbol).Msg("Order rejected")
	} else {
		reply.Accepted = true
	}
	metrics.OrchestratorEvents.WithLabelValues("ORDER", metrics.SourceNATS).Inc()

	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		o.log.Warn().Err(err).Msg("Failed to reply to order")
	}
}

// dispatch runs the one action an event maps to. Failures are logged and
// left for the next maintenance cycle to correct.
func (o *Orchestrator) dispatch(ctx context.Context, ev ChangeEvent) {
	label := ev.Type
	if !known(ev.Type) {
		label = "unknown"
	}
	metrics.OrchestratorEvents.WithLabelValues(label, ev.source).Inc()

	log := o.log.With().Str("type", ev.Type).Int64("id", ev.ID).Str("source", ev.source).Logger()
	log.Debug().Msg("Dispatching event")

	if err := o.handle(ctx, ev); err != nil {
		metrics.RecordError("orchestrator", err)
		log.Error().Err(err).Msg("Event action failed")
	}
}

func known(t string) bool {
	switch t {
	case EventStreamAdd, EventStreamDelete, EventStreamUpdate,
		EventAPIAdd, EventAPIDelete, EventAPIUpdate,
		EventFuturesEnabled, EventFuturesDisabled, EventTimeTick:
		return true
	}
	return false
}

func (o *Orchestrator) handle(ctx context.Context, ev ChangeEvent) error {
	credID := ev.credentialID()
	futures := db.MarketFutures

	switch ev.Type {
	case EventStreamAdd:
		return o.bus.Sync(ctx)

	case EventStreamDelete:
		o.removeFromBus(ctx, credID, ev.Data.Market)
		return nil

	case EventStreamUpdate:
		if ev.Data.Status.Live() {
			return o.bus.Sync(ctx)
		}
		o.removeFromBus(ctx, credID, ev.Data.Market)
		return nil

	case EventAPIAdd:
		o.forget(credID)
		return o.thenSync(ctx, o.onboarder.OnboardCredential(ctx, credID))

	case EventAPIDelete:
		o.forget(credID)
		return o.onboarder.RemoveCredential(ctx, credID, nil)

	case EventAPIUpdate:
		o.forget(credID)
		if ev.Data.IsActive != nil && !*ev.Data.IsActive {
			return o.onboarder.RemoveCredential(ctx, credID, nil)
		}
		return o.thenSync(ctx, o.onboarder.OnboardCredential(ctx, credID))

	case EventFuturesEnabled:
		o.forget(credID)
		return o.thenSync(ctx, o.onboarder.OnboardMarket(ctx, credID, futures))

	case EventFuturesDisabled:
		o.forget(credID)
		return o.onboarder.RemoveCredential(ctx, credID, &futures)

	case EventTimeTick:
		if ev.Data.Interval == TickMaintenance {
			stats, err := o.onboarder.Maintenance(ctx)
			if err != nil {
				return o.thenSync(ctx, err)
			}
			o.log.Info().Int("succeeded", stats.Succeeded).Int("failed", stats.Failed).Msg("Maintenance finished")
		}
		return o.bus.Sync(ctx)

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// removeFromBus unsubscribes one market, or both when the event carries none
func (o *Orchestrator) removeFromBus(ctx context.Context, credID int64, mkt db.MarketType) {
	if mkt != 0 {
		o.bus.Remove(ctx, credID, mkt)
		return
	}
	for _, m := range db.Markets {
		o.bus.Remove(ctx, credID, m)
	}
}

// thenSync assigns freshly created sessions even when part of the action failed
func (o *Orchestrator) thenSync(ctx context.Context, actionErr error) error {
	return errors.Join(actionErr, o.bus.Sync(ctx))
}

func (o *Orchestrator) forget(credID int64) {
	if o.orders != nil {
		o.orders.ForgetCredential(credID)
	}
}

// Shutdown stops the sources and waits for them up to ctx's deadline
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutOnce.Do(func() {
		o.log.Info().Msg("Shutting down orchestrator")

		if o.cancel != nil {
			o.cancel()
		}

		for _, sub := range []*nats.Subscription{o.eventsSub, o.ordersSub} {
			if sub == nil {
				continue
			}
			if uerr := sub.Unsubscribe(); uerr != nil {
				o.log.Error().Err(uerr).Str("subject", sub.Subject).Msg("Error unsubscribing")
			}
		}
		if o.natsConn != nil && o.ownsConn {
			o.natsConn.Close()
			o.log.Info().Msg("NATS connection closed")
		}

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			o.log.Info().Msg("Orchestrator shutdown complete")
		case <-ctx.Done():
			err = fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
		}
	})
	return err
}
