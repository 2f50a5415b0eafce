package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Binance      BinanceConfig      `mapstructure:"binance"`
	Bus          BusConfig          `mapstructure:"bus"`
	Onboarding   OnboardingConfig   `mapstructure:"onboarding"`
	Balance      BalanceConfig      `mapstructure:"balance"`
	Prices       PricesConfig       `mapstructure:"prices"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Vault        VaultConfig        `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings. An empty host disables the price mirror.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

// NATSConfig contains NATS messaging settings. An empty URL disables NATS.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// BinanceConfig contains exchange endpoint settings
type BinanceConfig struct {
	Testnet     bool          `mapstructure:"testnet"`
	RESTTimeout time.Duration `mapstructure:"rest_timeout"`
	RecvWindow  int64         `mapstructure:"recv_window"`
}

// BusConfig configures the WebSocket connection bus
type BusConfig struct {
	MaxSessionsPerBus int           `mapstructure:"max_sessions_per_bus"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WSTimeout         time.Duration `mapstructure:"ws_timeout"`
	ReconnectInitial  time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectFactor   float64       `mapstructure:"reconnect_factor"`
	TickerSymbols     []string      `mapstructure:"ticker_symbols"`
}

// OnboardingConfig configures Genesis and Maintenance batching
type OnboardingConfig struct {
	GenesisRatePerMinute     int           `mapstructure:"genesis_rate_per_minute"`
	MaintenanceRatePerMinute int           `mapstructure:"maintenance_rate_per_minute"`
	Concurrency              int           `mapstructure:"concurrency"`
	AuthDelay                time.Duration `mapstructure:"auth_delay"`
	Window                   time.Duration `mapstructure:"window"`
	FetchBalances            bool          `mapstructure:"fetch_balances"`
}

// BalanceConfig configures the balance writer
type BalanceConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PricesConfig configures price staleness thresholds
type PricesConfig struct {
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`
}

// ExecutionConfig configures the order execution pools
type ExecutionConfig struct {
	FuturesWorkers       int     `mapstructure:"futures_workers"`
	SpotWorkers          int     `mapstructure:"spot_workers"`
	QueueSize            int     `mapstructure:"queue_size"`
	FuturesRate          float64 `mapstructure:"futures_rate"`
	SpotRate             float64 `mapstructure:"spot_rate"`
	RefuseCriticalPrices bool    `mapstructure:"refuse_critical_prices"`
}

// OrchestratorConfig configures the dispatcher
type OrchestratorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	SyncInterval        time.Duration `mapstructure:"sync_interval"`
	EventsSubject       string        `mapstructure:"events_subject"`
	OrdersSubject       string        `mapstructure:"orders_subject"`
	QueueSize           int           `mapstructure:"queue_size"`
}

// TelegramConfig configures order outcome notifications. An empty token disables them.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	Port          int  `mapstructure:"port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("streamgate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("STREAMGATE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "streamgate")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "streamgate")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.price_ttl", "30s")

	v.SetDefault("nats.url", "")

	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.rest_timeout", "10s")
	v.SetDefault("binance.recv_window", 5000)

	v.SetDefault("bus.max_sessions_per_bus", 200)
	v.SetDefault("bus.ping_interval", "20s")
	v.SetDefault("bus.ws_timeout", "10s")
	v.SetDefault("bus.reconnect_initial", "2s")
	v.SetDefault("bus.reconnect_max", "30s")
	v.SetDefault("bus.reconnect_factor", 2.0)
	v.SetDefault("bus.ticker_symbols", []string{})

	v.SetDefault("onboarding.genesis_rate_per_minute", 500)
	v.SetDefault("onboarding.maintenance_rate_per_minute", 500)
	v.SetDefault("onboarding.concurrency", 10)
	v.SetDefault("onboarding.auth_delay", "100ms")
	v.SetDefault("onboarding.window", "1m")
	v.SetDefault("onboarding.fetch_balances", true)

	v.SetDefault("balance.flush_interval", "2s")

	v.SetDefault("prices.warning_threshold", "5s")
	v.SetDefault("prices.stale_threshold", "10s")

	v.SetDefault("execution.futures_workers", 5)
	v.SetDefault("execution.spot_workers", 2)
	v.SetDefault("execution.queue_size", 1000)
	v.SetDefault("execution.futures_rate", 28)
	v.SetDefault("execution.spot_rate", 8)
	v.SetDefault("execution.refuse_critical_prices", true)

	v.SetDefault("orchestrator.poll_interval", "1s")
	v.SetDefault("orchestrator.maintenance_interval", "30m")
	v.SetDefault("orchestrator.sync_interval", "1m")
	v.SetDefault("orchestrator.events_subject", "streamgate.events")
	v.SetDefault("orchestrator.orders_subject", "streamgate.orders")
	v.SetDefault("orchestrator.queue_size", 1024)

	v.SetDefault("monitoring.port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "streamgate")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
