// Package onboarding creates and renews user-data stream sessions: the Genesis
// cold start, periodic Maintenance and single-credential changes.
package onboarding

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWindow      = time.Minute
	DefaultConcurrency = 10
	DefaultAuthDelay   = 100 * time.Millisecond
)

// Clock is the time source of the batch driver
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BatchConfig configures a Batcher
type BatchConfig struct {
	// Rate is the number of attempts started per window, retries included
	Rate        int
	Window      time.Duration
	Concurrency int
	// Delay is slept by every item before it runs, inside its concurrency slot
	Delay time.Duration
	// Requeue reports whether a failed item is handed back to a later batch
	Requeue func(err error) bool
	// MaxAttempts bounds how often a requeued item runs
	MaxAttempts int
	Clock       Clock
}

// BatchStats summarizes one Run
type BatchStats struct {
	Batches   int
	Succeeded int
	Failed    int
	// Requeued counts attempts handed back to a later batch
	Requeued int
	// Waits counts pauses taken between batches to respect the window
	Waits int
}

// Batcher paces work so at most Rate attempts start in any window. Items of
// one batch run concurrently; the next batch starts no earlier than one window
// after the previous batch started. Items the Requeue func accepts go to the
// back of the queue and run again in a later batch, never in the same window.
type Batcher struct {
	rate        int
	window      time.Duration
	concurrency int64
	delay       time.Duration
	requeue     func(err error) bool
	maxAttempts int
	clock       Clock
	log         zerolog.Logger
}

// NewBatcher creates a batcher, filling zero fields with defaults
func NewBatcher(cfg BatchConfig, log zerolog.Logger) *Batcher {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Batcher{
		rate:        cfg.Rate,
		window:      cfg.Window,
		concurrency: int64(cfg.Concurrency),
		delay:       cfg.Delay,
		requeue:     cfg.Requeue,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		log:         log,
	}
}

// Run calls fn for every index in [0, n). A failing item is counted and does
// not stop the run; only cancellation of ctx does.
func (b *Batcher) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) (BatchStats, error) {
	var stats BatchStats
	if n <= 0 {
		return stats, nil
	}

	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}
	attempts := make([]int, n)
	sem := semaphore.NewWeighted(b.concurrency)

	for batch := 0; len(pending) > 0; batch++ {
		started := b.clock.Now()
		take := pending[:min(b.rate, len(pending))]
		pending = pending[len(take):]

		var ok, failed atomic.Int64
		again := make([]bool, len(take))
		var g errgroup.Group
		for j, i := range take {
			attempts[i]++
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = g.Wait()
				return stats, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				if b.delay > 0 {
					if err := b.clock.Sleep(ctx, b.delay); err != nil {
						failed.Add(1)
						return nil
					}
				}
				if err := fn(ctx, i); err != nil {
					if b.requeue != nil && attempts[i] < b.maxAttempts && b.requeue(err) {
						again[j] = true
						return nil
					}
					failed.Add(1)
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		var requeued int
		for j, i := range take {
			if again[j] {
				pending = append(pending, i)
				requeued++
			}
		}

		stats.Batches++
		stats.Succeeded += int(ok.Load())
		stats.Failed += int(failed.Load())
		stats.Requeued += requeued

		b.log.Debug().
			Int("batch", batch+1).
			Int64("succeeded", ok.Load()).
			Int64("failed", failed.Load()).
			Int("requeued", requeued).
			Int("remaining", len(pending)).
			Msg("Batch complete")

		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			break
		}

		if wait := b.window - b.clock.Now().Sub(started); wait > 0 {
			stats.Waits++
			if err := b.clock.Sleep(ctx, wait); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}
