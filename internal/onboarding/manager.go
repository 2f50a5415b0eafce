package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/apperr"
	"github.com/ajitpratap0/streamgate/internal/balance"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/exchange"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

const (
	// ListenKeyTTL is how long the exchange keeps a listen key without keep-alive
	ListenKeyTTL = 60 * time.Minute

	DefaultRate         = 500
	defaultRetryDelay   = time.Second
	rateLimitedAttempts = 3
)

// Registry is the part of the database the manager works on
type Registry interface {
	ListActiveCredentials(ctx context.Context, market db.MarketType) ([]db.Credential, error)
	GetCredential(ctx context.Context, id int64) (*db.Credential, error)
	ListActiveSessions(ctx context.Context, market *db.MarketType) ([]db.ActiveSession, error)
	GetStreamSession(ctx context.Context, credentialID int64, market db.MarketType) (*db.StreamSession, error)
	UpsertStreamSession(ctx context.Context, s *db.StreamSession) error
	ExtendStreamSession(ctx context.Context, credentialID int64, market db.MarketType, expiresAt time.Time) error
	MarkStreamStatus(ctx context.Context, credentialID int64, market db.MarketType, status db.StreamStatus) error
	DeleteStreamSession(ctx context.Context, credentialID int64, market db.MarketType) error
	DeleteInactiveSessions(ctx context.Context) ([]db.StreamSession, error)
	ListExpiredSessions(ctx context.Context) ([]db.ActiveSession, error)
	DeleteSessionsByMarket(ctx context.Context, market db.MarketType) (int64, error)
	DeleteBusesByMarket(ctx context.Context, market db.MarketType) (int64, error)
}

// Exchange is the listen key and account surface of the exchange client
type Exchange interface {
	CreateListenKey(ctx context.Context, market db.MarketType, creds exchange.Credentials) (string, error)
	KeepAliveListenKey(ctx context.Context, market db.MarketType, creds exchange.Credentials, listenKey string) error
	CloseListenKey(ctx context.Context, market db.MarketType, creds exchange.Credentials, listenKey string) error
	FetchBalances(ctx context.Context, market db.MarketType, creds exchange.Credentials) ([]exchange.Balance, error)
}

// Snapshots writes full balance snapshots
type Snapshots interface {
	BeginSnapshot(credentialID int64, account db.MarketType)
	AbortSnapshot(credentialID int64, account db.MarketType)
	WriteSnapshot(ctx context.Context, credentialID, userID int64, account db.MarketType, updates []balance.Update) error
}

// Unsubscriber drops a session from the socket that owns it
type Unsubscriber interface {
	Remove(ctx context.Context, credentialID int64, market db.MarketType)
}

// Config configures a Manager
type Config struct {
	GenesisRate     int
	MaintenanceRate int
	Concurrency     int
	AuthDelay       time.Duration
	Window          time.Duration
	FetchBalances   bool
	// RetryDelay separates attempts of a rate-limited call made outside a
	// batch. The client's weight guard already holds calls for the server's
	// Retry-After. Inside Genesis and Maintenance a rate-limited item goes back
	// to the Batcher and runs in a later window instead.
	RetryDelay time.Duration
	Clock      Clock
}

// Manager runs Genesis, Maintenance and single-credential onboarding
type Manager struct {
	registry  Registry
	exchange  Exchange
	snapshots Snapshots
	bus       Unsubscriber
	cfg       Config
	log       zerolog.Logger

	genesis     *Batcher
	maintenance *Batcher

	keyRetry     retrypolicy.RetryPolicy[string]
	balanceRetry retrypolicy.RetryPolicy[[]exchange.Balance]
}

// NewManager creates a manager. snapshots may be nil when balances are not fetched.
func NewManager(registry Registry, ex Exchange, snapshots Snapshots, cfg Config, log zerolog.Logger) *Manager {
	if cfg.GenesisRate <= 0 {
		cfg.GenesisRate = DefaultRate
	}
	if cfg.MaintenanceRate <= 0 {
		cfg.MaintenanceRate = DefaultRate
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if snapshots == nil {
		cfg.FetchBalances = false
	}

	batch := func(rate int) *Batcher {
		return NewBatcher(BatchConfig{
			Rate:        rate,
			Window:      cfg.Window,
			Concurrency: cfg.Concurrency,
			Delay:       cfg.AuthDelay,
			Requeue:     rateLimited,
			MaxAttempts: rateLimitedAttempts,
			Clock:       cfg.Clock,
		}, log)
	}

	return &Manager{
		registry:     registry,
		exchange:     ex,
		snapshots:    snapshots,
		cfg:          cfg,
		log:          log,
		genesis:      batch(cfg.GenesisRate),
		maintenance:  batch(cfg.MaintenanceRate),
		keyRetry:     rateLimitRetry[string](cfg.RetryDelay),
		balanceRetry: rateLimitRetry[[]exchange.Balance](cfg.RetryDelay),
	}
}

// SetBus attaches the connection bus notified about removed sessions
func (m *Manager) SetBus(bus Unsubscriber) {
	m.bus = bus
}

func rateLimited(err error) bool {
	return errors.Is(err, apperr.ErrRateLimited)
}

func rateLimitRetry[R any](delay time.Duration) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return rateLimited(err)
		}).
		WithMaxAttempts(rateLimitedAttempts).
		WithDelay(delay).
		ReturnLastFailure().
		Build()
}

// call runs fn once when batched, since the Batcher reschedules rate-limited
// items itself, and under policy otherwise
func call[R any](ctx context.Context, policy retrypolicy.RetryPolicy[R], batched bool, fn func() (R, error)) (R, error) {
	if batched {
		return fn()
	}
	return failsafe.With[R](policy).WithContext(ctx).Get(fn)
}

func credsOf(key, secret string) exchange.Credentials {
	return exchange.Credentials{APIKey: key, APISecret: secret}
}

// Genesis wipes every session and bus record of a market and onboards all
// active credentials from scratch, paced by the genesis rate.
func (m *Manager) Genesis(ctx context.Context, market db.MarketType) (BatchStats, error) {
	start := time.Now()
	log := m.log.With().Str("market", market.String()).Logger()
	log.Info().Msg("Genesis starting")

	sessions, err := m.registry.DeleteSessionsByMarket(ctx, market)
	if err != nil {
		return BatchStats{}, fmt.Errorf("failed to reset stream sessions: %w", err)
	}
	buses, err := m.registry.DeleteBusesByMarket(ctx, market)
	if err != nil {
		return BatchStats{}, fmt.Errorf("failed to reset bus records: %w", err)
	}

	creds, err := m.registry.ListActiveCredentials(ctx, market)
	if err != nil {
		return BatchStats{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	log.Info().
		Int64("sessions_cleared", sessions).
		Int64("buses_cleared", buses).
		Int("credentials", len(creds)).
		Msg("Registry reset, onboarding credentials")

	stats, err := m.genesis.Run(ctx, len(creds), func(ctx context.Context, i int) error {
		return m.onboard(ctx, metrics.PhaseGenesis, &creds[i], market)
	})
	metrics.OnboardingDuration.WithLabelValues(metrics.PhaseGenesis).Observe(time.Since(start).Seconds())

	log.Info().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("batches", stats.Batches).
		Dur("elapsed", time.Since(start)).
		Msg("Genesis complete")
	return stats, err
}

// Maintenance renews every live session, recreating listen keys the exchange
// no longer extends or reported expired, and drops sessions of deactivated
// credentials.
func (m *Manager) Maintenance(ctx context.Context) (BatchStats, error) {
	start := time.Now()

	removed, err := m.registry.DeleteInactiveSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to prune inactive sessions")
	}
	for _, s := range removed {
		m.unsubscribe(ctx, s.CredentialID, s.Market)
	}

	sessions, err := m.registry.ListActiveSessions(ctx, nil)
	if err != nil {
		return BatchStats{}, fmt.Errorf("failed to list sessions: %w", err)
	}
	expired, err := m.registry.ListExpiredSessions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list expired sessions")
	}
	sessions = append(sessions, expired...)
	if len(sessions) == 0 {
		m.log.Debug().Int("pruned", len(removed)).Msg("Maintenance found no live sessions")
		return BatchStats{}, nil
	}

	m.log.Info().Int("sessions", len(sessions)).Int("pruned", len(removed)).Msg("Maintenance starting")

	stats, err := m.maintenance.Run(ctx, len(sessions), func(ctx context.Context, i int) error {
		return m.renew(ctx, &sessions[i])
	})
	metrics.OnboardingDuration.WithLabelValues(metrics.PhaseMaintenance).Observe(time.Since(start).Seconds())

	m.log.Info().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Maintenance complete")
	return stats, err
}

// OnboardCredential (re)creates the sessions of a credential on every market
// it is enabled for, and removes the sessions of markets it no longer is.
func (m *Manager) OnboardCredential(ctx context.Context, credentialID int64) error {
	cred, err := m.registry.GetCredential(ctx, credentialID)
	if errors.Is(err, db.ErrNotFound) {
		return m.RemoveCredential(ctx, credentialID, nil)
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, market := range db.Markets {
		if cred.Enabled(market) {
			errs = append(errs, m.onboard(ctx, metrics.PhaseEvent, cred, market))
			continue
		}
		mk := market
		errs = append(errs, m.RemoveCredential(ctx, credentialID, &mk))
	}
	return errors.Join(errs...)
}

// OnboardMarket (re)creates the session of one market, or removes it when the
// credential is not enabled there.
func (m *Manager) OnboardMarket(ctx context.Context, credentialID int64, market db.MarketType) error {
	cred, err := m.registry.GetCredential(ctx, credentialID)
	if errors.Is(err, db.ErrNotFound) {
		return m.RemoveCredential(ctx, credentialID, &market)
	}
	if err != nil {
		return err
	}
	if !cred.Enabled(market) {
		return m.RemoveCredential(ctx, credentialID, &market)
	}
	return m.onboard(ctx, metrics.PhaseEvent, cred, market)
}

// RemoveCredential closes the listen keys of a credential best-effort, deletes
// its sessions and unsubscribes them. A nil market removes both markets.
func (m *Manager) RemoveCredential(ctx context.Context, credentialID int64, market *db.MarketType) error {
	markets := db.Markets
	if market != nil {
		markets = []db.MarketType{*market}
	}

	// The credential may already be gone; closing keys is then skipped
	cred, err := m.registry.GetCredential(ctx, credentialID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		m.log.Warn().Err(err).Int64("credential_id", credentialID).Msg("Failed to load credential for removal")
	}

	var errs []error
	for _, mk := range markets {
		if cred != nil {
			m.closeListenKey(ctx, cred, mk)
		}
		if err := m.registry.DeleteStreamSession(ctx, credentialID, mk); err != nil {
			errs = append(errs, err)
			continue
		}
		m.unsubscribe(ctx, credentialID, mk)
		m.log.Info().Int64("credential_id", credentialID).Str("market", mk.String()).Msg("Stream session removed")
	}
	return errors.Join(errs...)
}

func (m *Manager) closeListenKey(ctx context.Context, cred *db.Credential, market db.MarketType) {
	s, err := m.registry.GetStreamSession(ctx, cred.ID, market)
	if err != nil || s.ListenKey == "" {
		return
	}
	if err := m.exchange.CloseListenKey(ctx, market, credsOf(cred.APIKey, cred.APISecret), s.ListenKey); err != nil {
		m.log.Debug().Err(err).Int64("credential_id", cred.ID).Str("market", market.String()).Msg("Failed to close listen key")
	}
}

func (m *Manager) unsubscribe(ctx context.Context, credentialID int64, market db.MarketType) {
	if m.bus != nil {
		m.bus.Remove(ctx, credentialID, market)
	}
}

// onboard creates a fresh listen key and stores the session as NEW. The
// balance snapshot runs after the session write and never fails it.
func (m *Manager) onboard(ctx context.Context, phase string, cred *db.Credential, market db.MarketType) error {
	creds := credsOf(cred.APIKey, cred.APISecret)
	log := m.log.With().Int64("credential_id", cred.ID).Str("market", market.String()).Logger()
	batched := phase != metrics.PhaseEvent

	key, err := call(ctx, m.keyRetry, batched, func() (string, error) {
		return m.exchange.CreateListenKey(ctx, market, creds)
	})
	if err != nil {
		metrics.RecordOnboarding(phase, market.String(), err)
		if batched && rateLimited(err) {
			log.Warn().Err(err).Msg("Rate limited, deferring to a later batch")
			return err
		}
		if errors.Is(err, apperr.ErrAuthFailure) {
			log.Warn().Err(err).Msg("Credential rejected, marking session ERROR")
			m.storeError(ctx, cred.ID, cred.UserID, market)
			return err
		}
		log.Error().Err(err).Str("kind", apperr.KindOf(err)).Msg("Failed to create listen key")
		return err
	}

	expires := m.cfg.Clock.Now().Add(ListenKeyTTL)
	session := &db.StreamSession{
		CredentialID: cred.ID,
		UserID:       cred.UserID,
		Market:       market,
		ListenKey:    key,
		Status:       db.StatusNew,
		ExpiresAt:    &expires,
	}
	if err := m.registry.UpsertStreamSession(ctx, session); err != nil {
		metrics.RecordOnboarding(phase, market.String(), err)
		log.Error().Err(err).Msg("Failed to store stream session")
		return err
	}

	metrics.RecordOnboarding(phase, market.String(), nil)

	if m.cfg.FetchBalances {
		m.snapshot(ctx, cred, market, creds, batched)
	}
	return nil
}

func (m *Manager) storeError(ctx context.Context, credentialID, userID int64, market db.MarketType) {
	err := m.registry.UpsertStreamSession(ctx, &db.StreamSession{
		CredentialID: credentialID,
		UserID:       userID,
		Market:       market,
		Status:       db.StatusError,
	})
	if err != nil {
		m.log.Error().Err(err).Int64("credential_id", credentialID).Msg("Failed to mark session ERROR")
	}
	m.unsubscribe(ctx, credentialID, market)
}

func (m *Manager) snapshot(ctx context.Context, cred *db.Credential, market db.MarketType, creds exchange.Credentials, batched bool) {
	m.snapshots.BeginSnapshot(cred.ID, market)

	balances, err := call(ctx, m.balanceRetry, batched, func() ([]exchange.Balance, error) {
		return m.exchange.FetchBalances(ctx, market, creds)
	})
	if err != nil {
		m.snapshots.AbortSnapshot(cred.ID, market)
		m.log.Warn().Err(err).Int64("credential_id", cred.ID).Str("market", market.String()).Msg("Failed to fetch balance snapshot")
		return
	}

	updates := make([]balance.Update, 0, len(balances))
	for _, b := range balances {
		updates = append(updates, balance.FromExchange(cred.ID, cred.UserID, market, b.Asset, b.Free, b.Locked))
	}
	if err := m.snapshots.WriteSnapshot(ctx, cred.ID, cred.UserID, market, updates); err != nil {
		m.log.Error().Err(err).Int64("credential_id", cred.ID).Msg("Failed to write balance snapshot")
	}
}

// renew extends a listen key, falling back to a fresh key stored as NEW
func (m *Manager) renew(ctx context.Context, s *db.ActiveSession) error {
	creds := credsOf(s.APIKey, s.APISecret)
	log := m.log.With().Int64("credential_id", s.CredentialID).Str("market", s.Market.String()).Logger()
	phase := metrics.PhaseMaintenance

	if s.ListenKey != "" && s.Status.Live() {
		err := m.exchange.KeepAliveListenKey(ctx, s.Market, creds, s.ListenKey)
		if err == nil {
			expires := m.cfg.Clock.Now().Add(ListenKeyTTL)
			if err := m.registry.ExtendStreamSession(ctx, s.CredentialID, s.Market, expires); err != nil {
				metrics.RecordOnboarding(phase, s.Market.String(), err)
				return err
			}
			metrics.RecordOnboarding(phase, s.Market.String(), nil)
			return nil
		}
		if errors.Is(err, apperr.ErrAuthFailure) {
			metrics.RecordOnboarding(phase, s.Market.String(), err)
			m.markError(ctx, s)
			return err
		}
		if rateLimited(err) {
			metrics.RecordOnboarding(phase, s.Market.String(), err)
			log.Warn().Err(err).Msg("Keep-alive rate limited, deferring to a later batch")
			return err
		}
		log.Info().Err(err).Msg("Keep-alive failed, recreating listen key")
	}

	key, err := m.exchange.CreateListenKey(ctx, s.Market, creds)
	if err != nil {
		metrics.RecordOnboarding(phase, s.Market.String(), err)
		if rateLimited(err) {
			log.Warn().Err(err).Msg("Rate limited, deferring to a later batch")
			return err
		}
		if errors.Is(err, apperr.ErrAuthFailure) {
			m.markError(ctx, s)
			return err
		}
		log.Error().Err(err).Msg("Failed to recreate listen key")
		return err
	}

	expires := m.cfg.Clock.Now().Add(ListenKeyTTL)
	err = m.registry.UpsertStreamSession(ctx, &db.StreamSession{
		CredentialID: s.CredentialID,
		UserID:       s.UserID,
		Market:       s.Market,
		ListenKey:    key,
		Status:       db.StatusNew,
		ExpiresAt:    &expires,
	})
	metrics.RecordOnboarding(phase, s.Market.String(), err)
	return err
}

func (m *Manager) markError(ctx context.Context, s *db.ActiveSession) {
	m.log.Warn().Int64("credential_id", s.CredentialID).Str("market", s.Market.String()).Msg("Credential rejected, marking session ERROR")
	if err := m.registry.MarkStreamStatus(ctx, s.CredentialID, s.Market, db.StatusError); err != nil {
		m.log.Error().Err(err).Int64("credential_id", s.CredentialID).Msg("Failed to mark session ERROR")
	}
	m.unsubscribe(ctx, s.CredentialID, s.Market)
}
