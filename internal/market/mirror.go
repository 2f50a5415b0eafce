package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/metrics"
)

const (
	mirrorKeyPrefix     = "streamgate:price"
	defaultMirrorTTL    = 30 * time.Second
	defaultMirrorPeriod = 500 * time.Millisecond
	mirrorWriteTimeout  = 500 * time.Millisecond
)

// MirrorKey returns the Redis key a ticker is mirrored under
func MirrorKey(exchange, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", mirrorKeyPrefix, exchange, symbol)
}

// RedisMirror copies tickers to Redis so other processes can read prices.
// Writes are coalesced per key and flushed in one pipeline per period.
// A nil *RedisMirror is valid and does nothing.
type RedisMirror struct {
	client *metrics.RedisClient
	ttl    time.Duration
	period time.Duration
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]PriceTicker

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRedisMirror starts a mirror. Returns nil when client is nil.
func NewRedisMirror(client *metrics.RedisClient, ttl, period time.Duration, log zerolog.Logger) *RedisMirror {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	if period <= 0 {
		period = defaultMirrorPeriod
	}

	m := &RedisMirror{
		client:  client,
		ttl:     ttl,
		period:  period,
		log:     log,
		pending: make(map[string]PriceTicker),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Put queues a ticker; a later Put for the same key replaces it
func (m *RedisMirror) Put(exchange, symbol string, t PriceTicker) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pending[MirrorKey(exchange, symbol)] = t
	m.mu.Unlock()
}

// Flush writes the queued tickers now
func (m *RedisMirror) Flush(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]PriceTicker, len(batch))
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	values := make(map[string][]byte, len(batch))
	for k, t := range batch {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal ticker %s: %w", k, err)
		}
		values[k] = data
	}

	ctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()
	return m.client.SetMany(ctx, values, m.ttl)
}

// Read returns a mirrored ticker; ok is false when the key is absent or expired
func (m *RedisMirror) Read(ctx context.Context, exchange, symbol string) (PriceTicker, bool, error) {
	if m == nil {
		return PriceTicker{}, false, nil
	}

	raw, err := m.client.Get(ctx, MirrorKey(exchange, symbol))
	if errors.Is(err, redis.Nil) {
		return PriceTicker{}, false, nil
	}
	if err != nil {
		return PriceTicker{}, false, err
	}

	var t PriceTicker
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return PriceTicker{}, false, fmt.Errorf("failed to decode mirrored ticker: %w", err)
	}
	return t, true, nil
}

func (m *RedisMirror) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			if err := m.Flush(context.Background()); err != nil {
				m.log.Warn().Err(err).Msg("Final price mirror flush failed")
			}
			return
		case <-ticker.C:
			if err := m.Flush(context.Background()); err != nil {
				m.log.Debug().Err(err).Msg("Price mirror flush failed")
			}
		}
	}
}

// Close stops the flush loop after a final flush and closes the Redis client
func (m *RedisMirror) Close() error {
	if m == nil {
		return nil
	}
	var err error
	m.once.Do(func() {
		close(m.stop)
		<-m.done
		err = m.client.Close()
	})
	return err
}
