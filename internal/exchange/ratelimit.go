package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// Weight guard defaults. The exchange allows 1200 weight per minute and resets
// at the minute boundary, so a 30s pause always lands in a fresh window.
const (
	DefaultWeightThreshold = 1150
	DefaultGuardPause      = 30 * time.Second
)

// RateLimitInfo is the usage reported in response headers; -1 means absent
type RateLimitInfo struct {
	UsedWeight1m  int
	OrderCount10s int
	OrderCount1m  int
}

// ParseRateLimit reads the x-mbx-* usage headers
func ParseRateLimit(h http.Header) RateLimitInfo {
	return RateLimitInfo{
		UsedWeight1m:  headerInt(h, "X-Mbx-Used-Weight-1m"),
		OrderCount10s: headerInt(h, "X-Mbx-Order-Count-10s"),
		OrderCount1m:  headerInt(h, "X-Mbx-Order-Count-1m"),
	}
}

func headerInt(h http.Header, key string) int {
	v := h.Get(key)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// WeightGuard pauses outbound calls of one host once reported usage gets
// close to the limit, or when the exchange asks for a Retry-After pause.
type WeightGuard struct {
	market    string
	threshold int
	pause     time.Duration
	now       func() time.Time
	log       zerolog.Logger

	mu    sync.Mutex
	until time.Time
}

// NewWeightGuard creates a guard; zero threshold or pause use the defaults
func NewWeightGuard(market string, threshold int, pause time.Duration, log zerolog.Logger) *WeightGuard {
	if threshold <= 0 {
		threshold = DefaultWeightThreshold
	}
	if pause <= 0 {
		pause = DefaultGuardPause
	}
	return &WeightGuard{
		market:    market,
		threshold: threshold,
		pause:     pause,
		now:       time.Now,
		log:       log,
	}
}

// Observe records usage headers and trips the pause at the threshold
func (g *WeightGuard) Observe(info RateLimitInfo) {
	metrics.RecordRateLimit(g.market, info.UsedWeight1m, info.OrderCount10s, info.OrderCount1m)

	if info.UsedWeight1m >= g.threshold {
		g.log.Warn().
			Int("used_weight", info.UsedWeight1m).
			Int("threshold", g.threshold).
			Dur("pause", g.pause).
			Msg("Request weight near limit, pausing outbound calls")
		g.Block(g.pause)
	}
}

// Block pauses outbound calls for d from now, never shortening a longer pause
func (g *WeightGuard) Block(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	until := g.now().Add(d)
	if until.After(g.until) {
		g.until = until
		metrics.ExchangeGuardPauses.WithLabelValues(g.market).Inc()
	}
}

// PausedFor returns the remaining pause, 0 when calls may proceed
func (g *WeightGuard) PausedFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d := g.until.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

// Wait blocks until the pause is over or ctx is done
func (g *WeightGuard) Wait(ctx context.Context) error {
	d := g.PausedFor()
	if d == 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return &APIError{
			Kind:       apperr.ErrRateLimited,
			Endpoint:   g.market,
			Msg:        fmt.Sprintf("weight guard pause interrupted: %v", ctx.Err()),
			RetryAfter: d,
		}
	case <-timer.C:
		return nil
	}
}
