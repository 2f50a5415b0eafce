package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/execution"
	"github.com/ajitpratap0/streamgate/internal/onboarding"
)

type fakeOnboarder struct {
	mu       sync.Mutex
	calls    []string
	genesis  map[db.MarketType]error
	failNext error
}

func (f *fakeOnboarder) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeOnboarder) Genesis(_ context.Context, mkt db.MarketType) (onboarding.BatchStats, error) {
	_ = f.record("genesis %s", mkt)
	return onboarding.BatchStats{Batches: 1, Succeeded: 3}, f.genesis[mkt]
}

func (f *fakeOnboarder) Maintenance(context.Context) (onboarding.BatchStats, error) {
	return onboarding.BatchStats{}, f.record("maintenance")
}

func (f *fakeOnboarder) OnboardCredential(_ context.Context, id int64) error {
	return f.record("onboard %d", id)
}

func (f *fakeOnboarder) OnboardMarket(_ context.Context, id int64, mkt db.MarketType) error {
	return f.record("onboard %d %s", id, mkt)
}

func (f *fakeOnboarder) RemoveCredential(_ context.Context, id int64, mkt *db.MarketType) error {
	if mkt == nil {
		return f.record("remove %d all", id)
	}
	return f.record("remove %d %s", id, *mkt)
}

func (f *fakeOnboarder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBus struct {
	mu       sync.Mutex
	started  bool
	startErr error
	syncs    int
	removed  []string
}

func (f *fakeBus) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeBus) Sync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeBus) Remove(_ context.Context, id int64, mkt db.MarketType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fmt.Sprintf("%d %s", id, mkt))
}

func (f *fakeBus) Syncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func (f *fakeBus) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeQueue struct {
	mu      sync.Mutex
	pending []db.QueuedEvent
	err     error
}

func (f *fakeQueue) push(id int64, typ, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, db.QueuedEvent{ID: id, Type: typ, Payload: json.RawMessage(payload)})
}

func (f *fakeQueue) DrainEvents(_ context.Context, limit int) ([]db.QueuedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := min(limit, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

type fakeOrders struct {
	mu        sync.Mutex
	submitted []execution.OrderRequest
	forgotten []int64
	err       error
}

func (f *fakeOrders) Submit(req execution.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeOrders) ForgetCredential(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeOrders) Submitted() []execution.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.OrderRequest(nil), f.submitted...)
}

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

type harness struct {
	o      *Orchestrator
	onb    *fakeOnboarder
	bus    *fakeBus
	queue  *fakeQueue
	orders *fakeOrders
}

func newHarness(cfg Config) *harness {
	h := &harness{
		onb:    &fakeOnboarder{},
		bus:    &fakeBus{},
		queue:  &fakeQueue{},
		orders: &fakeOrders{},
	}
	h.o = New(cfg, h.onb, h.bus, h.queue, h.orders, zerolog.Nop())
	return h
}

// start initializes and runs the orchestrator until the test ends
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Initialize(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.o.Run(context.Background())
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.o.Shutdown(ctx))
		<-done
	})
}

func boolPtr(b bool) *bool { return &b }

func TestHandle(t *testing.T) {
	tests := []struct {
		name        string
		ev          ChangeEvent
		wantCalls   []string
		wantRemoved []string
		wantSyncs   int
		wantForgot  []int64
	}{
		{
			name:      "stream add syncs the bus",
			ev:        ChangeEvent{Type: EventStreamAdd, ID: 900, Data: EventData{APIID: 11, Market: db.MarketSpot, Status: db.StatusNew}},
			wantSyncs: 1,
		},
		{
			name:        "stream delete removes one market",
			ev:          ChangeEvent{Type: EventStreamDelete, ID: 900, Data: EventData{APIID: 11, Market: db.MarketFutures}},
			wantRemoved: []string{"11 futures"},
		},
		{
			name:        "stream delete without market removes both",
			ev:          ChangeEvent{Type: EventStreamDelete, ID: 11},
			wantRemoved: []string{"11 spot", "11 futures"},
		},
		{
			name:        "stream expired removes from bus",
			ev:          ChangeEvent{Type: EventStreamUpdate, Data: EventData{APIID: 11, Market: db.MarketSpot, Status: db.StatusExpired}},
			wantRemoved: []string{"11 spot"},
		},
		{
			name:      "stream active resyncs",
			ev:        ChangeEvent{Type: EventStreamUpdate, Data: EventData{APIID: 11, Market: db.MarketSpot, Status: db.StatusActive}},
			wantSyncs: 1,
		},
		{
			name:       "api add onboards then syncs",
			ev:         ChangeEvent{Type: EventAPIAdd, ID: 12},
			wantCalls:  []string{"onboard 12"},
			wantSyncs:  1,
			wantForgot: []int64{12},
		},
		{
			name:       "api delete removes all markets",
			ev:         ChangeEvent{Type: EventAPIDelete, ID: 12},
			wantCalls:  []string{"remove 12 all"},
			wantForgot: []int64{12},
		},
		{
			name:       "api deactivated removes",
			ev:         ChangeEvent{Type: EventAPIUpdate, ID: 12, Data: EventData{IsActive: boolPtr(false)}},
			wantCalls:  []string{"remove 12 all"},
			wantForgot: []int64{12},
		},
		{
			name:       "api activated onboards",
			ev:         ChangeEvent{Type: EventAPIUpdate, ID: 12, Data: EventData{IsActive: boolPtr(true)}},
			wantCalls:  []string{"onboard 12"},
			wantSyncs:  1,
			wantForgot: []int64{12},
		},
		{
			name:       "futures enabled onboards futures",
			ev:         ChangeEvent{Type: EventFuturesEnabled, ID: 13},
			wantCalls:  []string{"onboard 13 futures"},
			wantSyncs:  1,
			wantForgot: []int64{13},
		},
		{
			name:       "futures disabled removes futures",
			ev:         ChangeEvent{Type: EventFuturesDisabled, ID: 13},
			wantCalls:  []string{"remove 13 futures"},
			wantForgot: []int64{13},
		},
		{
			name:      "maintenance tick",
			ev:        ChangeEvent{Type: EventTimeTick, Data: EventData{Interval: TickMaintenance}},
			wantCalls: []string{"maintenance"},
			wantSyncs: 1,
		},
		{
			name:      "sync tick",
			ev:        ChangeEvent{Type: EventTimeTick, Data: EventData{Interval: TickSync}},
			wantSyncs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(Config{})
			require.NoError(t, h.o.handle(context.Background(), tt.ev))

			assert.Equal(t, tt.wantCalls, h.onb.Calls())
			assert.Equal(t, tt.wantRemoved, h.bus.Removed())
			assert.Equal(t, tt.wantSyncs, h.bus.Syncs())
			assert.Equal(t, tt.wantForgot, h.orders.forgotten)
		})
	}
}

func TestHandle_UnknownType(t *testing.T) {
	h := newHarness(Config{})
	assert.Error(t, h.o.handle(context.Background(), ChangeEvent{Type: "BOT_ADD"}))
}

func TestHandle_SyncsAfterFailedOnboard(t *testing.T) {
	h := newHarness(Config{})
	h.onb.failNext = errors.New("exchange down")

	err := h.o.handle(context.Background(), ChangeEvent{Type: EventAPIAdd, ID: 12})
	assert.ErrorContains(t, err, "exchange down")
	assert.Equal(t, 1, h.bus.Syncs())
}

func TestFromQueued(t *testing.T) {
	ev, err := fromQueued(db.QueuedEvent{
		ID:      1,
		Type:    EventStreamUpdate,
		Payload: json.RawMessage(`{"id":900,"data":{"api_id":11,"market_type":2,"status":3,"listen_key":"lk"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), ev.ID)
	assert.Equal(t, int64(11), ev.credentialID())
	assert.Equal(t, db.MarketFutures, ev.Data.Market)
	assert.Equal(t, db.StatusExpired, ev.Data.Status)

	ev, err = fromQueued(db.QueuedEvent{Type: EventAPIUpdate, Payload: json.RawMessage(`{"id":12,"data":{"is_active":false}}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), ev.credentialID())
	require.NotNil(t, ev.Data.IsActive)
	assert.False(t, *ev.Data.IsActive)

	_, err = fromQueued(db.QueuedEvent{Type: EventAPIAdd, Payload: json.RawMessage(`{"id":"x"}`)})
	assert.Error(t, err)
}

func TestInitialize_GenesisEveryMarketThenStartsBus(t *testing.T) {
	h := newHarness(Config{})
	h.onb.genesis = map[db.MarketType]error{db.MarketSpot: errors.New("partial")}

	require.NoError(t, h.o.Initialize(context.Background()))
	t.Cleanup(func() { _ = h.o.Shutdown(context.Background()) })

	assert.Equal(t, []string{"genesis spot", "genesis futures"}, h.onb.Calls())
	assert.True(t, h.bus.started)
}

func TestInitialize_BusStartFailure(t *testing.T) {
	h := newHarness(Config{})
	h.bus.startErr = errors.New("no listener")
	assert.Error(t, h.o.Initialize(context.Background()))
}

func TestRun_RequiresInitialize(t *testing.T) {
	h := newHarness(Config{})
	assert.Error(t, h.o.Run(context.Background()))
}

func TestRun_DrainsQueueInOrder(t *testing.T) {
	h := newHarness(Config{PollInterval: 10 * time.Millisecond, DrainBatch: 2})
	h.queue.push(1, EventAPIAdd, `{"id":21}`)
	h.queue.push(2, EventFuturesDisabled, `{"id":21}`)
	h.queue.push(3, EventAPIAdd, `not json`)
	h.queue.push(4, EventAPIDelete, `{"id":22}`)
	h.start(t)

	want := []string{"genesis spot", "genesis futures", "onboard 21", "remove 21 futures", "remove 22 all"}
	require.Eventually(t, func() bool {
		return len(h.onb.Calls()) == len(want)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, h.onb.Calls())
}

func TestRun_DrainErrorKeepsPolling(t *testing.T) {
	h := newHarness(Config{PollInterval: 10 * time.Millisecond})
	h.queue.err = errors.New("connection refused")
	h.start(t)

	time.Sleep(30 * time.Millisecond)
	h.queue.mu.Lock()
	h.queue.err = nil
	h.queue.mu.Unlock()
	h.queue.push(1, EventAPIDelete, `{"id":5}`)

	require.Eventually(t, func() bool {
		calls := h.onb.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == "remove 5 all"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_Ticks(t *testing.T) {
	h := newHarness(Config{
		PollInterval:        time.Hour,
		MaintenanceInterval: 30 * time.Millisecond,
		SyncInterval:        10 * time.Millisecond,
	})
	h.start(t)

	require.Eventually(t, func() bool {
		for _, c := range h.onb.Calls() {
			if c == "maintenance" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, h.bus.Syncs(), 1)
}

func TestNATS_ChangeEvents(t *testing.T) {
	ns := runNATS(t)
	h := newHarness(Config{NATSURL: ns.ClientURL(), PollInterval: time.Hour})
	h.start(t)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, nc.Publish(DefaultEventsSubject, []byte(`{"type":"FUTURES_ENABLED","id":31}`)))
	require.NoError(t, nc.Publish(DefaultEventsSubject, []byte(`garbage`)))
	require.NoError(t, nc.Publish(DefaultEventsSubject, []byte(`{"type":"STREAM_DELETE","id":900,"data":{"api_id":31,"market_type":"spot"}}`)))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return len(h.bus.Removed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"31 spot"}, h.bus.Removed())
	assert.Contains(t, h.onb.Calls(), "onboard 31 futures")
}

func TestNATS_OrdersRequestReply(t *testing.T) {
	ns := runNATS(t)
	h := newHarness(Config{NATSURL: ns.ClientURL(), PollInterval: time.Hour})
	h.start(t)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	request := func(body string) OrderReply {
		msg, err := nc.Request(DefaultOrdersSubject, []byte(body), 2*time.Second)
		require.NoError(t, err)
		var reply OrderReply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		return reply
	}

	reply := request(`{"bot_id":7,"symbol":"btcusdt","side":"BUY","amount_usd":"200","market":"spot"}`)
	assert.True(t, reply.Accepted)
	assert.Empty(t, reply.Error)

	reply = request(`{"bot_id":7,"symbol":"BTCUSDT","side":"HOLD","amount_usd":"200","market":2}`)
	assert.False(t, reply.Accepted)
	assert.Contains(t, reply.Error, "side")

	reply = request(`{"bot_id":`)
	assert.False(t, reply.Accepted)

	h.orders.mu.Lock()
	h.orders.err = execution.ErrQueueFull
	h.orders.mu.Unlock()
	reply = request(`{"bot_id":8,"symbol":"ETHUSDT","side":"SELL","amount_coin":"0.5","market":"futures"}`)
	assert.False(t, reply.Accepted)
	assert.Contains(t, reply.Error, "queue")

	submitted := h.orders.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "BTCUSDT", submitted[0].Symbol)
	assert.Equal(t, db.MarketSpot, submitted[0].Market)
	assert.Equal(t, "200", submitted[0].AmountUSD.String())
}

func TestNATS_UsesSharedConn(t *testing.T) {
	ns := runNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	h := newHarness(Config{PollInterval: time.Hour})
	h.o.UseConn(nc)
	h.start(t)

	require.NoError(t, nc.Publish(DefaultEventsSubject, []byte(`{"type":"API_DELETE","id":40}`)))
	require.Eventually(t, func() bool {
		calls := h.onb.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == "remove 40 all"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.o.Shutdown(context.Background()))
	assert.False(t, nc.IsClosed(), "shared connection stays open")
}

func TestShutdown_Idempotent(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.o.Initialize(context.Background()))
	require.NoError(t, h.o.Shutdown(context.Background()))
	require.NoError(t, h.o.Shutdown(context.Background()))
}
