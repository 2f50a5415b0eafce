package balance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamgate/internal/db"
)

type replaceCall struct {
	credentialID int64
	account      db.MarketType
	rows         []db.BalanceRow
}

type fakeStore struct {
	mu         sync.Mutex
	upserts    [][]db.BalanceRow
	replaces   []replaceCall
	upsertErr  error
	replaceErr error
	// onReplace runs inside ReplaceBalances, before it returns
	onReplace func()
}

func (f *fakeStore) UpsertBalances(ctx context.Context, rows []db.BalanceRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	sorted := append([]db.BalanceRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Asset < sorted[j].Asset })
	f.upserts = append(f.upserts, sorted)
	return nil
}

func (f *fakeStore) ReplaceBalances(ctx context.Context, credentialID int64, account db.MarketType, rows []db.BalanceRow) (int64, error) {
	if f.onReplace != nil {
		f.onReplace()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return 0, f.replaceErr
	}
	f.replaces = append(f.replaces, replaceCall{credentialID, account, rows})
	return 1, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func upd(cred int64, asset string, account db.MarketType, free, locked string) Update {
	return Update{CredentialID: cred, UserID: 100 + cred, Asset: asset, Account: account, Free: dec(free), Locked: dec(locked)}
}

func TestNormalize(t *testing.T) {
	u := Normalize(Update{Free: dec("0.123456785"), Locked: dec("1.000000001")})

	assert.Equal(t, "0.12345679", u.Free.String())
	assert.Equal(t, "1", u.Locked.String())
	assert.Equal(t, "1.12345679", u.Total.String())

	explicit := Normalize(Update{Free: dec("1"), Locked: dec("1"), Total: dec("5")})
	assert.True(t, dec("5").Equal(explicit.Total))
}

func TestFromExchange(t *testing.T) {
	u := FromExchange(7, 70, db.MarketFutures, "USDT", dec("60"), dec("40.000000004"))
	assert.Equal(t, int64(7), u.CredentialID)
	assert.Equal(t, int64(70), u.UserID)
	assert.Equal(t, db.MarketFutures, u.Account)
	assert.Equal(t, "40", u.Locked.String())
	assert.Equal(t, "100", u.Total.String())
}

func TestWriter_PushCoalesces(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, time.Hour, zerolog.Nop())

	w.Push(upd(1, "BTC", db.MarketSpot, "1", "0"))
	w.Push(upd(1, "BTC", db.MarketSpot, "2", "0"))
	w.Push(upd(1, "BTC", db.MarketFutures, "3", "0"))
	w.Push(upd(1, "ETH", db.MarketSpot, "4", "0"))
	assert.Equal(t, 3, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, store.upserts, 1)
	require.Len(t, store.upserts[0], 3)
	assert.Zero(t, w.Pending())

	for _, r := range store.upserts[0] {
		if r.Asset == "BTC" && r.Account == db.MarketSpot {
			assert.True(t, dec("2").Equal(r.Free))
		}
	}

	// Empty buffer does not touch the store
	require.NoError(t, w.Flush(context.Background()))
	assert.Len(t, store.upserts, 1)
}

func TestWriter_FlushFailureRequeues(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("db down")}
	w := NewWriter(store, time.Hour, zerolog.Nop())

	w.Push(upd(1, "BTC", db.MarketSpot, "1", "0"))
	w.Push(upd(1, "ETH", db.MarketSpot, "1", "0"))

	require.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 2, w.Pending())

	// A newer value pushed after the failure wins over the requeued one
	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()
	w.Push(upd(1, "BTC", db.MarketSpot, "9", "0"))

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "BTC", store.upserts[0][0].Asset)
	assert.True(t, dec("9").Equal(store.upserts[0][0].Free))
}

func TestWriter_FlushFailureKeepsNewerValue(t *testing.T) {
	w := NewWriter(&fakeStore{}, time.Hour, zerolog.Nop())
	failing := &blockingStore{release: make(chan struct{}), entered: make(chan struct{})}
	w.store = failing

	w.Push(upd(1, "BTC", db.MarketSpot, "1", "0"))

	done := make(chan error, 1)
	go func() { done <- w.Flush(context.Background()) }()

	<-failing.entered
	w.Push(upd(1, "BTC", db.MarketSpot, "5", "0"))
	close(failing.release)
	require.Error(t, <-done)

	w.mu.Lock()
	got := w.buffer[rowKey{1, "BTC", db.MarketSpot}]
	w.mu.Unlock()
	assert.True(t, dec("5").Equal(got.Free))
}

// blockingStore fails UpsertBalances once release is closed
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) UpsertBalances(ctx context.Context, rows []db.BalanceRow) error {
	close(b.entered)
	<-b.release
	return errors.New("timeout")
}

func (b *blockingStore) ReplaceBalances(ctx context.Context, credentialID int64, account db.MarketType, rows []db.BalanceRow) (int64, error) {
	return 0, nil
}

func TestWriter_WriteSnapshot(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, time.Hour, zerolog.Nop())

	// Stale stream value of the same account is superseded; other account survives
	w.Push(upd(5, "BTC", db.MarketSpot, "0.1", "0"))
	w.Push(upd(5, "USDT", db.MarketFutures, "10", "0"))

	err := w.WriteSnapshot(context.Background(), 5, 55, db.MarketSpot, []Update{
		{Asset: "BTC", Free: dec("0.5"), Locked: dec("0.000000001")},
		{Asset: "ETH", Free: dec("2"), Locked: dec("0")},
		{Asset: "BTC", Free: dec("0.6"), Locked: dec("0")},
	})
	require.NoError(t, err)

	require.Len(t, store.replaces, 1)
	call := store.replaces[0]
	assert.Equal(t, int64(5), call.credentialID)
	assert.Equal(t, db.MarketSpot, call.account)
	require.Len(t, call.rows, 2)
	assert.Equal(t, "BTC", call.rows[0].Asset)
	assert.True(t, dec("0.6").Equal(call.rows[0].Free))
	assert.Equal(t, int64(55), call.rows[0].UserID)
	assert.Equal(t, db.MarketSpot, call.rows[1].Account)

	assert.Equal(t, 1, w.Pending())
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, store.upserts, 1)
	assert.Equal(t, "USDT", store.upserts[0][0].Asset)
}

func TestWriter_SnapshotGateParksStreamUpdates(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, time.Hour, zerolog.Nop())

	w.BeginSnapshot(3, db.MarketFutures)
	w.Push(upd(3, "USDT", db.MarketFutures, "77", "0"))
	w.Push(upd(3, "BTC", db.MarketSpot, "1", "0"))
	assert.Equal(t, 1, w.Pending(), "only the ungated account is buffered")

	store.onReplace = func() {
		// A frame arriving while the transaction runs is parked too
		w.Push(upd(3, "USDT", db.MarketFutures, "78", "0"))
		assert.Equal(t, 1, w.Pending())
	}

	require.NoError(t, w.WriteSnapshot(context.Background(), 3, 30, db.MarketFutures, []Update{
		{Asset: "USDT", Free: dec("70"), Locked: dec("0")},
	}))

	// Released after commit, newest value wins
	assert.Equal(t, 2, w.Pending())
	w.mu.Lock()
	got := w.buffer[rowKey{3, "USDT", db.MarketFutures}]
	w.mu.Unlock()
	assert.True(t, dec("78").Equal(got.Free))
}

func TestWriter_AbortSnapshotReleases(t *testing.T) {
	w := NewWriter(&fakeStore{}, time.Hour, zerolog.Nop())

	w.BeginSnapshot(4, db.MarketSpot)
	w.Push(upd(4, "BNB", db.MarketSpot, "1", "0"))
	assert.Zero(t, w.Pending())

	w.AbortSnapshot(4, db.MarketSpot)
	assert.Equal(t, 1, w.Pending())

	w.Push(upd(4, "BNB", db.MarketSpot, "2", "0"))
	assert.Equal(t, 1, w.Pending())
}

func TestWriter_SnapshotFailureRestoresBuffer(t *testing.T) {
	store := &fakeStore{replaceErr: errors.New("deadlock detected")}
	w := NewWriter(store, time.Hour, zerolog.Nop())

	w.Push(upd(6, "BTC", db.MarketSpot, "1", "0"))
	err := w.WriteSnapshot(context.Background(), 6, 60, db.MarketSpot, []Update{{Asset: "BTC", Free: dec("2")}})
	require.Error(t, err)

	assert.Equal(t, 1, w.Pending())
	w.mu.Lock()
	_, gated := w.gates[gateKey{6, db.MarketSpot}]
	w.mu.Unlock()
	assert.False(t, gated)
}

func TestWriter_RunFlushesOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, time.Hour, zerolog.Nop())
	w.Push(upd(1, "BTC", db.MarketSpot, "1", "0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.upserts, 1)
}

func TestWriter_RunFlushesPeriodically(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Push(upd(2, "ETH", db.MarketSpot, "1", "0"))
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.upserts) == 1
	}, time.Second, 5*time.Millisecond)
}
