// Package backoff provides the exponential reconnect delay used by WS nodes
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Config configures exponential backoff
type Config struct {
	Initial time.Duration // First delay
	Max     time.Duration // Upper bound for any delay
	Factor  float64       // Multiplier applied after each delay
}

// DefaultConfig returns 2s initial, x2, capped at 30s
func DefaultConfig() Config {
	return Config{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2.0,
	}
}

// Policy hands out successive delays. It is not safe for concurrent use;
// each reconnect loop owns its own Policy.
type Policy struct {
	cfg     Config
	next    time.Duration
	attempt int
}

// New creates a policy, filling zero fields from DefaultConfig
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	return &Policy{cfg: cfg, next: cfg.Initial}
}

// Next returns the delay to wait now and advances the policy
func (p *Policy) Next() time.Duration {
	d := p.next
	p.attempt++

	grown := time.Duration(float64(p.next) * p.cfg.Factor)
	if grown > p.cfg.Max || grown <= 0 {
		grown = p.cfg.Max
	}
	p.next = grown
	return d
}

// Reset starts the sequence over from the initial delay
func (p *Policy) Reset() {
	p.next = p.cfg.Initial
	p.attempt = 0
}

// Attempt is the number of delays handed out since the last Reset
func (p *Policy) Attempt() int {
	return p.attempt
}

// Wait sleeps for the next delay or until ctx is done
func (p *Policy) Wait(ctx context.Context) error {
	d := p.Next()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
