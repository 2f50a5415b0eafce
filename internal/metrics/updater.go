package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Querier is the part of the database pool the updater reads through
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PoolStatFunc reports acquired and idle connections
type PoolStatFunc func() (active, idle int32)

var (
	marketLabels = map[int16]string{1: "spot", 2: "futures"}
	statusLabels = map[int16]string{1: "NEW", 2: "ACTIVE", 3: "EXPIRED", 4: "CLOSED", 5: "ERROR"}
)

// Updater periodically publishes gauges derived from the database
type Updater struct {
	db       Querier
	stats    PoolStatFunc
	interval time.Duration
}

// NewUpdater creates an updater; stats may be nil
func NewUpdater(db Querier, stats PoolStatFunc, interval time.Duration) *Updater {
	return &Updater{db: db, stats: stats, interval: interval}
}

// Run updates immediately and then every interval until ctx is done
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ticker.C:
			u.Update(ctx)
		}
	}
}

// Update refreshes every database derived gauge once
func (u *Updater) Update(ctx context.Context) {
	u.updateSessionMetrics(ctx)

	if u.stats != nil {
		UpdateDatabaseConnections(u.stats())
	}
}

func (u *Updater) updateSessionMetrics(ctx context.Context) {
	rows, err := u.db.Query(ctx, `
		SELECT market_type, status, COUNT(*)
		FROM stream_keys
		GROUP BY market_type, status
	`)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch stream session metrics")
		return
	}
	defer rows.Close()

	// Zero every known series first so drained statuses drop back to 0
	for _, m := range marketLabels {
		for _, s := range statusLabels {
			StreamSessions.WithLabelValues(m, s).Set(0)
		}
	}

	for rows.Next() {
		var (
			market, status int16
			count          int64
		)
		if err := rows.Scan(&market, &status, &count); err != nil {
			log.Error().Err(err).Msg("Failed to scan stream session metrics")
			return
		}
		m, okMarket := marketLabels[market]
		s, okStatus := statusLabels[status]
		if !okMarket || !okStatus {
			continue
		}
		StreamSessions.WithLabelValues(m, s).Set(float64(count))
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("Failed to iterate stream session metrics")
	}
}
