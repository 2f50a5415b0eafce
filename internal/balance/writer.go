// Package balance buffers wallet balance updates from the streams and
// persists them in batches, alongside full REST snapshots.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

const (
	// Scale is the number of fractional digits stored
	Scale = 8

	DefaultFlushInterval = 2 * time.Second
	shutdownFlushTimeout = 5 * time.Second
)

// Update is one balance value of (credential, asset, account)
type Update = db.BalanceRow

// Store persists balances
type Store interface {
	UpsertBalances(ctx context.Context, rows []db.BalanceRow) error
	ReplaceBalances(ctx context.Context, credentialID int64, account db.MarketType, rows []db.BalanceRow) (int64, error)
}

type rowKey struct {
	credentialID int64
	asset        string
	account      db.MarketType
}

type gateKey struct {
	credentialID int64
	account      db.MarketType
}

func keyOf(u Update) rowKey {
	return rowKey{u.CredentialID, u.Asset, u.Account}
}

// Writer buffers incremental updates and flushes them periodically. While a
// snapshot of (credential, account) is in flight, updates for that key are
// parked and only released once the snapshot is committed, so a snapshot is
// never written over a newer stream value.
type Writer struct {
	store    Store
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	buffer map[rowKey]Update
	gates  map[gateKey][]Update

	// Flushes hold it exclusively and snapshots shared, so a flush that took
	// its batch before a snapshot can never land after it.
	flushMu sync.RWMutex
}

// NewWriter creates a writer; a zero interval uses DefaultFlushInterval
func NewWriter(store Store, interval time.Duration, log zerolog.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Writer{
		store:    store,
		interval: interval,
		log:      log,
		buffer:   make(map[rowKey]Update),
		gates:    make(map[gateKey][]Update),
	}
}

// Normalize rounds every value to Scale digits and derives a missing total
func Normalize(u Update) Update {
	if u.Total.IsZero() {
		u.Total = u.Free.Add(u.Locked)
	}
	u.Free = u.Free.Round(Scale)
	u.Locked = u.Locked.Round(Scale)
	u.Total = u.Total.Round(Scale)
	return u
}

// Push buffers an update. A later push for the same key replaces an earlier one.
func (w *Writer) Push(u Update) {
	u = Normalize(u)

	w.mu.Lock()
	defer w.mu.Unlock()

	gk := gateKey{u.CredentialID, u.Account}
	if parked, gated := w.gates[gk]; gated {
		w.gates[gk] = append(parked, u)
		return
	}
	w.buffer[keyOf(u)] = u
	metrics.BalancePending.Set(float64(len(w.buffer)))
}

// Pending returns the number of buffered keys
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Run flushes every interval until ctx is done, then flushes once more
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			if err := w.Flush(flushCtx); err != nil {
				w.log.Error().Err(err).Int("pending", w.Pending()).Msg("Final balance flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.log.Warn().Err(err).Msg("Balance flush failed, keeping rows for next flush")
			}
		}
	}
}

// Flush writes the buffered updates in one statement. On failure the rows go
// back into the buffer unless a newer value for the key arrived meanwhile.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.buffer
	w.buffer = make(map[rowKey]Update, len(batch))
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	rows := make([]db.BalanceRow, 0, len(batch))
	for _, u := range batch {
		rows = append(rows, u)
	}

	if err := w.store.UpsertBalances(ctx, rows); err != nil {
		metrics.BalanceFlushErrors.Inc()
		metrics.RecordError("balance", err)

		w.mu.Lock()
		for k, u := range batch {
			if _, newer := w.buffer[k]; !newer {
				w.buffer[k] = u
			}
		}
		metrics.BalancePending.Set(float64(len(w.buffer)))
		w.mu.Unlock()
		return err
	}

	metrics.BalanceRowsFlushed.Add(float64(len(rows)))
	w.mu.Lock()
	metrics.BalancePending.Set(float64(len(w.buffer)))
	w.mu.Unlock()

	w.log.Debug().Int("rows", len(rows)).Msg("Balances flushed")
	return nil
}

// BeginSnapshot opens the gate of (credential, account). Call it before the
// REST fetch so stream updates racing the fetch are applied after the snapshot.
func (w *Writer) BeginSnapshot(credentialID int64, account db.MarketType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	gk := gateKey{credentialID, account}
	if _, ok := w.gates[gk]; !ok {
		w.gates[gk] = nil
	}
}

// AbortSnapshot closes the gate without writing, releasing parked updates
func (w *Writer) AbortSnapshot(credentialID int64, account db.MarketType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.release(gateKey{credentialID, account})
}

// release moves parked updates into the buffer; w.mu must be held
func (w *Writer) release(gk gateKey) {
	for _, u := range w.gates[gk] {
		w.buffer[keyOf(u)] = u
	}
	delete(w.gates, gk)
	metrics.BalancePending.Set(float64(len(w.buffer)))
}

// WriteSnapshot replaces the balances of (credential, account) with updates in
// one transaction: every row is upserted, then rows of assets absent from the
// snapshot that were not touched since the snapshot began are deleted.
func (w *Writer) WriteSnapshot(ctx context.Context, credentialID, userID int64, account db.MarketType, updates []Update) error {
	gk := gateKey{credentialID, account}

	w.flushMu.RLock()
	defer w.flushMu.RUnlock()

	w.mu.Lock()
	if _, ok := w.gates[gk]; !ok {
		w.gates[gk] = nil
	}
	// Buffered values predate the gate and so the snapshot
	superseded := make(map[rowKey]Update)
	for k, u := range w.buffer {
		if k.credentialID == credentialID && k.account == account {
			superseded[k] = u
			delete(w.buffer, k)
		}
	}
	w.mu.Unlock()

	byAsset := make(map[string]int, len(updates))
	rows := make([]db.BalanceRow, 0, len(updates))
	for _, u := range updates {
		u.CredentialID = credentialID
		u.UserID = userID
		u.Account = account
		u = Normalize(u)
		if i, dup := byAsset[u.Asset]; dup {
			rows[i] = u
			continue
		}
		byAsset[u.Asset] = len(rows)
		rows = append(rows, u)
	}

	deleted, err := w.store.ReplaceBalances(ctx, credentialID, account, rows)

	w.mu.Lock()
	if err != nil {
		for k, u := range superseded {
			if _, newer := w.buffer[k]; !newer {
				w.buffer[k] = u
			}
		}
	}
	w.release(gk)
	w.mu.Unlock()

	if err != nil {
		metrics.BalanceSnapshots.WithLabelValues(account.String(), metrics.ResultFailure).Inc()
		metrics.RecordError("balance", err)
		return err
	}

	metrics.BalanceSnapshots.WithLabelValues(account.String(), metrics.ResultSuccess).Inc()
	w.log.Debug().
		Int64("credential_id", credentialID).
		Str("account", account.String()).
		Int("assets", len(rows)).
		Int64("pruned", deleted).
		Msg("Balance snapshot written")
	return nil
}

// FromExchange builds an update from a free/locked pair
func FromExchange(credentialID, userID int64, account db.MarketType, asset string, free, locked decimal.Decimal) Update {
	return Normalize(Update{
		CredentialID: credentialID,
		UserID:       userID,
		Asset:        asset,
		Account:      account,
		Free:         free,
		Locked:       locked,
	})
}
