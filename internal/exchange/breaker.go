package exchange

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// BreakerSettings configures the per-host REST circuit breaker
type BreakerSettings struct {
	MinRequests     uint32        // Requests in the window before the breaker may trip
	FailureRatio    float64       // Connection failure ratio that trips it
	OpenTimeout     time.Duration // How long it stays open
	HalfOpenMaxReqs uint32        // Probes allowed while half open
	CountInterval   time.Duration // Window for counting failures
}

// DefaultBreakerSettings trips after 60% connection failures over at least 5 calls
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     5,
		FailureRatio:    0.6,
		OpenTimeout:     30 * time.Second,
		HalfOpenMaxReqs: 3,
		CountInterval:   10 * time.Second,
	}
}

func newBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		// Only transport level failures say anything about the host; a bad
		// key or a rejected order must not open the breaker for every user.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, apperr.ErrConnectionLost)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateCircuitBreaker(name, breakerStateValue(to))
		},
	})
	metrics.UpdateCircuitBreaker(name, breakerStateValue(cb.State()))
	return cb
}

func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
