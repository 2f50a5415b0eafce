package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/streamgate/internal/backoff"
	"github.com/ajitpratap0/streamgate/internal/balance"
	"github.com/ajitpratap0/streamgate/internal/bus"
	"github.com/ajitpratap0/streamgate/internal/config"
	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/exchange"
	"github.com/ajitpratap0/streamgate/internal/execution"
	"github.com/ajitpratap0/streamgate/internal/market"
	"github.com/ajitpratap0/streamgate/internal/metrics"
	"github.com/ajitpratap0/streamgate/internal/notify"
	"github.com/ajitpratap0/streamgate/internal/onboarding"
	"github.com/ajitpratap0/streamgate/internal/orchestrator"
)

const (
	metricsUpdateInterval = 30 * time.Second
	priceHealthInterval   = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/streamgate.yaml)")
	syncFilters := flag.Bool("sync-filters", false, "Download symbol filters from the exchange into the database, then exit")
	verifyConfig := flag.Bool("verify-config", false, "Load and validate configuration, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *verifyConfig {
		log.Info().Str("environment", cfg.App.Environment).Msg("✓ Configuration is valid")
		return
	}

	log.Info().
		Str("version", config.GetVersion()).
		Str("environment", cfg.App.Environment).
		Bool("testnet", cfg.Binance.Testnet).
		Msg("Starting streamgate")

	database, err := db.NewWithDSN(ctx, cfg.Database.GetDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	exClient := exchange.NewClient(exchange.Config{
		Testnet:    cfg.Binance.Testnet,
		Timeout:    cfg.Binance.RESTTimeout,
		RecvWindow: cfg.Binance.RecvWindow,
	}, config.NewLogger("exchange"))

	if *syncFilters {
		code := runFilterSync(ctx, exClient, database)
		database.Close()
		os.Exit(code)
	}

	for _, mkt := range db.Markets {
		if offset, err := exClient.SyncTime(ctx, mkt); err != nil {
			log.Warn().Err(err).Str("market", mkt.String()).Msg("Failed to sync exchange clock, using local time")
		} else {
			log.Info().Str("market", mkt.String()).Dur("offset", offset).Msg("Exchange clock synced")
		}
	}

	redisClient := connectRedis(ctx, cfg.Redis)
	mirror := market.NewRedisMirror(redisClient, cfg.Redis.PriceTTL, 0, config.NewLogger("price-mirror"))

	prices := market.NewPriceCache(market.PriceCacheConfig{
		WarningThreshold: cfg.Prices.WarningThreshold,
		StaleThreshold:   cfg.Prices.StaleThreshold,
		Mirror:           mirror,
		Logger:           config.NewLogger("prices"),
	})

	filters := market.NewFilterCache(database, config.NewLogger("filters"))
	if err := filters.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to preload symbol filters, resolving lazily")
	}

	var background sync.WaitGroup

	balances := balance.NewWriter(database, cfg.Balance.FlushInterval, config.NewLogger("balance"))
	balanceCtx, stopBalances := context.WithCancel(context.Background())
	background.Add(1)
	go func() {
		defer background.Done()
		balances.Run(balanceCtx)
	}()

	manager := onboarding.NewManager(database, exClient, balances, onboarding.Config{
		GenesisRate:     cfg.Onboarding.GenesisRatePerMinute,
		MaintenanceRate: cfg.Onboarding.MaintenanceRatePerMinute,
		Concurrency:     cfg.Onboarding.Concurrency,
		AuthDelay:       cfg.Onboarding.AuthDelay,
		Window:          cfg.Onboarding.Window,
		FetchBalances:   cfg.Onboarding.FetchBalances,
	}, config.NewLogger("onboarding"))

	busCfg := bus.Config{
		Capacity:     cfg.Bus.MaxSessionsPerBus,
		PingInterval: cfg.Bus.PingInterval,
		Timeout:      cfg.Bus.WSTimeout,
		Backoff: backoff.Config{
			Initial: cfg.Bus.ReconnectInitial,
			Max:     cfg.Bus.ReconnectMax,
			Factor:  cfg.Bus.ReconnectFactor,
		},
		TickerSymbols: cfg.Bus.TickerSymbols,
	}
	if cfg.Binance.Testnet {
		busCfg.SpotURL, busCfg.FuturesURL = bus.TestnetSpotStreamURL, bus.TestnetFuturesStreamURL
	}
	busSvc := bus.NewService(busCfg, database, balances, prices, config.NewLogger("bus"))
	manager.SetBus(busSvc)

	var notifier execution.Notifier
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(notify.Config{BotToken: cfg.Telegram.BotToken}, database, config.NewLogger("notify"))
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifications disabled")
		} else {
			notifier = tg
		}
	}

	execSvc := execution.NewService(execution.Config{
		FuturesWorkers:       cfg.Execution.FuturesWorkers,
		SpotWorkers:          cfg.Execution.SpotWorkers,
		QueueSize:            cfg.Execution.QueueSize,
		FuturesRate:          cfg.Execution.FuturesRate,
		SpotRate:             cfg.Execution.SpotRate,
		RefuseCriticalPrices: cfg.Execution.RefuseCriticalPrices,
	}, database, exClient, prices, filters, notifier, config.NewLogger("execution"))
	execSvc.Start(ctx)

	orch := orchestrator.New(orchestrator.Config{
		NATSURL:             cfg.NATS.URL,
		PollInterval:        cfg.Orchestrator.PollInterval,
		MaintenanceInterval: cfg.Orchestrator.MaintenanceInterval,
		SyncInterval:        cfg.Orchestrator.SyncInterval,
		EventsSubject:       cfg.Orchestrator.EventsSubject,
		OrdersSubject:       cfg.Orchestrator.OrdersSubject,
		QueueSize:           cfg.Orchestrator.QueueSize,
	}, manager, busSvc, database, execSvc, log.Logger)

	httpServer := NewHTTPServer(cfg.Monitoring.Port, database, prices)
	httpServer.Start(cfg.Monitoring.EnableMetrics)

	background.Add(2)
	go func() {
		defer background.Done()
		metrics.NewUpdater(database.Pool(), poolStats(database), metricsUpdateInterval).Run(ctx)
	}()
	go func() {
		defer background.Done()
		watchPriceHealth(ctx, prices)
	}()

	if err := orch.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize orchestrator")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := orch.Run(ctx); err != nil {
			errChan <- fmt.Errorf("orchestrator run error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Orchestrator error")
	}

	log.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during orchestrator shutdown")
		exitCode = 1
	}
	busSvc.Wait()
	execSvc.Stop()

	cancel()
	stopBalances()
	background.Wait()

	prices.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	log.Info().Msg("Streamgate shutdown complete")
	if exitCode != 0 {
		database.Close()
		os.Exit(exitCode)
	}
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// price mirror is then disabled
func connectRedis(ctx context.Context, cfg config.RedisConfig) *metrics.RedisClient {
	if cfg.Host == "" {
		log.Info().Msg("Redis not configured, price mirror disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	rc := metrics.NewRedisClient(client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.GetRedisAddr()).Msg("Redis unreachable, price mirror disabled")
		_ = rc.Close()
		return nil
	}
	log.Info().Str("addr", cfg.GetRedisAddr()).Msg("Connected to Redis")
	return rc
}

func poolStats(database *db.DB) metrics.PoolStatFunc {
	pool, ok := database.Pool().(*pgxpool.Pool)
	if !ok {
		return nil
	}
	return func() (int32, int32) {
		s := pool.Stat()
		return s.AcquiredConns(), s.IdleConns()
	}
}

// watchPriceHealth refreshes the price health gauges and logs transitions
func watchPriceHealth(ctx context.Context, prices *market.PriceCache) {
	ticker := time.NewTicker(priceHealthInterval)
	defer ticker.Stop()

	last := market.HealthOK
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h := prices.CheckHealth(now)
			if h.Status == last {
				continue
			}
			ev := log.Info()
			if h.Status == market.HealthCritical {
				ev = log.Error()
			} else if h.Status == market.HealthWarning {
				ev = log.Warn()
			}
			ev.Str("from", string(last)).Str("to", string(h.Status)).Msg("Price feed health changed")
			last = h.Status
		}
	}
}

// runFilterSync downloads exchange filters and upserts them. Returns the exit code.
func runFilterSync(ctx context.Context, ex *exchange.Client, database *db.DB) int {
	filters, err := ex.SyncSymbolFilters(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to download symbol filters")
		return 1
	}
	if err := database.UpsertSymbolFilters(ctx, filters); err != nil {
		log.Error().Err(err).Msg("Failed to store symbol filters")
		return 1
	}
	log.Info().Int("filters", len(filters)).Msg("✓ Symbol filters synced")
	return 0
}
