package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/backoff"
	"github.com/ajitpratap0/streamgate/internal/db"
)

const waitFor = 2 * time.Second

// wsServer records the control frames of every connection it accepts
type wsServer struct {
	*httptest.Server

	mu     sync.Mutex
	frames [][]controlFrame // per connection
	conns  []*websocket.Conn

	// onAccept runs before the server starts reading a new connection
	onAccept func(idx int, conn *websocket.Conn)
}

func newWSServer(t *testing.T) *wsServer {
	return newWSServerWith(t, nil)
}

func newWSServerWith(t *testing.T, onAccept func(idx int, conn *websocket.Conn)) *wsServer {
	s := &wsServer{onAccept: onAccept}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		idx := len(s.conns)
		s.conns = append(s.conns, conn)
		s.frames = append(s.frames, nil)
		s.mu.Unlock()

		if s.onAccept != nil {
			s.onAccept(idx, conn)
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f controlFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			s.mu.Lock()
			s.frames[idx] = append(s.frames[idx], f)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

// httpToWS converts http:// URL to ws://
func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func (s *wsServer) url() string { return httpToWS(s.URL) }

func (s *wsServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) framesOf(conn int) []controlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn >= len(s.frames) {
		return nil
	}
	return append([]controlFrame(nil), s.frames[conn]...)
}

// allFrames flattens the frames of every connection
func (s *wsServer) allFrames() []controlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []controlFrame
	for _, f := range s.frames {
		out = append(out, f...)
	}
	return out
}

func (s *wsServer) send(t *testing.T, conn int, payload string) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (s *wsServer) drop(conn int) {
	s.mu.Lock()
	c := s.conns[conn]
	s.mu.Unlock()
	_ = c.Close()
}

func subscribed(frames []controlFrame) []string {
	var out []string
	for _, f := range frames {
		if f.Method == "SUBSCRIBE" {
			out = append(out, f.Params...)
		}
	}
	return out
}

type statusCall struct {
	credentialID int64
	status       db.StreamStatus
}

type fakeNodeRegistry struct {
	mu        sync.Mutex
	statuses  []statusCall
	connected map[int64]bool
}

func newFakeNodeRegistry() *fakeNodeRegistry {
	return &fakeNodeRegistry{connected: make(map[int64]bool)}
}

func (r *fakeNodeRegistry) MarkStreamStatus(ctx context.Context, credentialID int64, market db.MarketType, status db.StreamStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusCall{credentialID, status})
	return nil
}

func (r *fakeNodeRegistry) SetBusConnected(ctx context.Context, id int64, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected[id] = connected
	return nil
}

func (r *fakeNodeRegistry) activated() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, c := range r.statuses {
		if c.status == db.StatusActive {
			ids = append(ids, c.credentialID)
		}
	}
	return ids
}

func (r *fakeNodeRegistry) isConnected(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[id]
}

type handled struct {
	owner *Subscription
	event Event
}

type recordingHandler struct {
	mu     sync.Mutex
	events []handled
}

func (h *recordingHandler) HandleEvent(ctx context.Context, n *Node, owner *Subscription, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, handled{owner, ev})
}

func (h *recordingHandler) all() []handled {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handled(nil), h.events...)
}

func testBackoff() backoff.Config {
	return backoff.Config{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
}

func runNode(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("node did not stop")
		}
	})
}

func newTestNode(srv *wsServer, handler Handler, registry NodeRegistry, streams ...string) *Node {
	return NewNode(NodeConfig{
		ID:      7,
		Market:  db.MarketSpot,
		URL:     srv.url(),
		Backoff: testBackoff(),
		Streams: streams,
	}, handler, registry, zerolog.Nop())
}

func TestNode_SubscribesOwnedKeysOnConnect(t *testing.T) {
	srv := newWSServer(t)
	registry := newFakeNodeRegistry()
	n := newTestNode(srv, nil, registry)

	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 1, ListenKey: "lk-b", Status: db.StatusNew}))
	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 2, ListenKey: "lk-a", Status: db.StatusActive}))
	runNode(t, n)

	require.Eventually(t, func() bool { return len(srv.framesOf(0)) == 1 }, waitFor, 5*time.Millisecond)
	frame := srv.framesOf(0)[0]
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"lk-a", "lk-b"}, frame.Params)

	require.Eventually(t, func() bool { return registry.isConnected(7) }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(registry.activated()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int64{1}, registry.activated())
}

func TestNode_ResubscribesAfterReconnect(t *testing.T) {
	srv := newWSServer(t)
	registry := newFakeNodeRegistry()
	n := newTestNode(srv, nil, registry)

	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 1, ListenKey: "lk-1", Status: db.StatusNew}))
	runNode(t, n)

	require.Eventually(t, func() bool { return len(srv.framesOf(0)) == 1 }, waitFor, 5*time.Millisecond)
	srv.drop(0)

	require.Eventually(t, func() bool { return len(srv.framesOf(1)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"lk-1"}, subscribed(srv.framesOf(1)))

	// already ACTIVE after the first connect
	assert.Equal(t, []int64{1}, registry.activated())
}

// sequence records node side effects in the order they happen
type sequence struct {
	mu      sync.Mutex
	entries []string
}

func (s *sequence) add(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *sequence) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

type sequencedRegistry struct {
	*fakeNodeRegistry
	seq *sequence
}

func (r sequencedRegistry) SetBusConnected(ctx context.Context, id int64, connected bool) error {
	if connected {
		r.seq.add("connected")
	} else {
		r.seq.add("disconnected")
	}
	return r.fakeNodeRegistry.SetBusConnected(ctx, id, connected)
}

type sequencedHandler struct {
	seq *sequence
}

func (h sequencedHandler) HandleEvent(ctx context.Context, n *Node, owner *Subscription, ev Event) {
	if owner == nil {
		h.seq.add("event:unowned")
		return
	}
	h.seq.add("event:" + owner.ListenKey)
}

func TestNode_ResubscribesBeforeDispatching(t *testing.T) {
	const balanceFrame = `{"stream":"lk-1","data":{"e":"outboundAccountPosition","B":[{"a":"BTC","f":"1","l":"0"}]}}`

	// the second connection has a frame waiting before the node reads anything
	srv := newWSServerWith(t, func(idx int, conn *websocket.Conn) {
		if idx == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(balanceFrame))
		}
	})
	seq := &sequence{}
	registry := sequencedRegistry{fakeNodeRegistry: newFakeNodeRegistry(), seq: seq}
	n := newTestNode(srv, sequencedHandler{seq: seq}, registry)

	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 1, ListenKey: "lk-1", Status: db.StatusActive}))
	runNode(t, n)

	require.Eventually(t, func() bool { return len(srv.framesOf(0)) == 1 }, waitFor, 5*time.Millisecond)
	srv.drop(0)

	require.Eventually(t, func() bool { return len(seq.all()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"connected", "disconnected", "connected", "event:lk-1"}, seq.all())

	require.Eventually(t, func() bool { return len(srv.framesOf(1)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"lk-1"}, subscribed(srv.framesOf(1)))
}

// lockedBuffer is a log sink shared by the node's goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) reconnectAttempts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var attempts []int
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry struct {
			Message string `json:"message"`
			Attempt int    `json:"attempt"`
		}
		if line == "" || json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry.Message == "Connection lost, reconnecting" {
			attempts = append(attempts, entry.Attempt)
		}
	}
	return attempts
}

func TestNode_BackoffResetsAfterFirstMessage(t *testing.T) {
	// 0 and 3 deliver a message before dropping, 1 and 2 drop at once, 4 stays up
	srv := newWSServerWith(t, func(idx int, conn *websocket.Conn) {
		switch idx {
		case 0, 3:
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
			_ = conn.Close()
		case 1, 2:
			_ = conn.Close()
		}
	})
	logs := &lockedBuffer{}
	n := NewNode(NodeConfig{
		ID:      7,
		Market:  db.MarketSpot,
		URL:     srv.url(),
		Backoff: testBackoff(),
	}, nil, nil, zerolog.New(logs))
	runNode(t, n)

	require.Eventually(t, func() bool { return srv.connections() == 5 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(logs.reconnectAttempts()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 1}, logs.reconnectAttempts())
}

func TestNode_ChunksSubscriptions(t *testing.T) {
	srv := newWSServer(t)
	n := newTestNode(srv, nil, nil, "btcusdt@bookTicker")

	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("lk-%03d", i)
		require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: int64(i), ListenKey: key, Status: db.StatusActive}))
	}
	runNode(t, n)

	require.Eventually(t, func() bool { return len(srv.framesOf(0)) == 3 }, waitFor, 5*time.Millisecond)
	frames := srv.framesOf(0)
	assert.Len(t, frames[0].Params, 100)
	assert.Len(t, frames[1].Params, 100)
	assert.Len(t, frames[2].Params, 51)
	assert.Equal(t, "btcusdt@bookTicker", frames[0].Params[0])

	ids := map[int64]bool{}
	for _, f := range frames {
		assert.LessOrEqual(t, len(f.Params), maxParamsPerFrame)
		ids[f.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestNode_AddAndRemoveWhileConnected(t *testing.T) {
	srv := newWSServer(t)
	registry := newFakeNodeRegistry()
	n := newTestNode(srv, nil, registry)
	runNode(t, n)

	require.Eventually(t, n.Connected, waitFor, 5*time.Millisecond)

	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 3, ListenKey: "lk-3", Status: db.StatusNew}))
	assert.True(t, n.Has("lk-3"))
	assert.Equal(t, []int64{3}, registry.activated())

	// a repeated add is a no-op
	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 3, ListenKey: "lk-3"}))

	assert.True(t, n.Remove("lk-3"))
	assert.False(t, n.Remove("lk-3"))
	assert.Zero(t, n.Len())

	require.Eventually(t, func() bool { return len(srv.framesOf(0)) == 2 }, waitFor, 5*time.Millisecond)
	frames := srv.framesOf(0)
	assert.Equal(t, controlFrame{Method: "SUBSCRIBE", Params: []string{"lk-3"}, ID: frames[0].ID}, frames[0])
	assert.Equal(t, "UNSUBSCRIBE", frames[1].Method)
	assert.Equal(t, []string{"lk-3"}, frames[1].Params)
}

func TestNode_DispatchesToOwner(t *testing.T) {
	srv := newWSServer(t)
	handler := &recordingHandler{}
	n := newTestNode(srv, handler, nil, "btcusdt@bookTicker")

	require.NoError(t, n.Add(context.Background(), Subscription{CredentialID: 4, UserID: 40, ListenKey: "lk-4", Status: db.StatusActive}))
	runNode(t, n)
	require.Eventually(t, n.Connected, waitFor, 5*time.Millisecond)

	srv.send(t, 0, `{"result":null,"id":1}`)
	srv.send(t, 0, `{"stream":"lk-4","data":{"e":"outboundAccountPosition","B":[{"a":"BTC","f":"1","l":"0"}]}}`)
	srv.send(t, 0, `garbage`)
	srv.send(t, 0, `{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"1","a":"3"}}`)

	require.Eventually(t, func() bool { return len(handler.all()) == 2 }, waitFor, 5*time.Millisecond)
	events := handler.all()

	require.NotNil(t, events[0].owner)
	assert.Equal(t, int64(4), events[0].owner.CredentialID)
	assert.Equal(t, int64(40), events[0].owner.UserID)
	assert.Equal(t, EventAccountPosition, events[0].event.Type)

	assert.Nil(t, events[1].owner)
	assert.Equal(t, EventBookTicker, events[1].event.Type)
}

func TestNode_StopsOnCancel(t *testing.T) {
	srv := newWSServer(t)
	n := newTestNode(srv, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	require.Eventually(t, n.Connected, waitFor, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, n.Connected())
}
