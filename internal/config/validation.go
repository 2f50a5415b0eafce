package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateOnboarding()...)
	errors = append(errors, c.validatePrices()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateOrchestrator()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	valid := false
	for _, env := range validEnvs {
		if c.App.Environment == env {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: "Log format must be 'json' or 'console'",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{Field: "database.host", Message: "Database host is required"})
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Database.Port),
		})
	}
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{Field: "database.database", Message: "Database name is required"})
	}
	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{Field: "database.pool_size", Message: "Pool size must be at least 1"})
	}
	if c.App.Environment == "production" && c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	}

	return errors
}

func (c *Config) validateBus() ValidationErrors {
	var errors ValidationErrors

	// Binance allows 1024 streams per connection; stay well below it.
	if c.Bus.MaxSessionsPerBus < 1 || c.Bus.MaxSessionsPerBus > 1000 {
		errors = append(errors, ValidationError{
			Field:   "bus.max_sessions_per_bus",
			Message: fmt.Sprintf("Invalid value %d. Must be between 1 and 1000", c.Bus.MaxSessionsPerBus),
		})
	}
	if c.Bus.PingInterval <= 0 {
		errors = append(errors, ValidationError{Field: "bus.ping_interval", Message: "Ping interval must be positive"})
	}
	if c.Bus.ReconnectInitial <= 0 || c.Bus.ReconnectMax < c.Bus.ReconnectInitial {
		errors = append(errors, ValidationError{
			Field:   "bus.reconnect_initial",
			Message: "Reconnect initial delay must be positive and not exceed reconnect_max",
		})
	}
	if c.Bus.ReconnectFactor < 1 {
		errors = append(errors, ValidationError{Field: "bus.reconnect_factor", Message: "Reconnect factor must be >= 1"})
	}

	return errors
}

func (c *Config) validateOnboarding() ValidationErrors {
	var errors ValidationErrors

	if c.Onboarding.GenesisRatePerMinute < 1 {
		errors = append(errors, ValidationError{
			Field:   "onboarding.genesis_rate_per_minute",
			Message: "Genesis rate must be at least 1 request per window",
		})
	}
	if c.Onboarding.MaintenanceRatePerMinute < 1 {
		errors = append(errors, ValidationError{
			Field:   "onboarding.maintenance_rate_per_minute",
			Message: "Maintenance rate must be at least 1 request per window",
		})
	}
	if c.Onboarding.Concurrency < 1 {
		errors = append(errors, ValidationError{Field: "onboarding.concurrency", Message: "Concurrency must be at least 1"})
	}
	if c.Onboarding.Window <= 0 {
		errors = append(errors, ValidationError{Field: "onboarding.window", Message: "Rate window must be positive"})
	}

	return errors
}

func (c *Config) validatePrices() ValidationErrors {
	var errors ValidationErrors

	if c.Prices.WarningThreshold <= 0 || c.Prices.StaleThreshold <= c.Prices.WarningThreshold {
		errors = append(errors, ValidationError{
			Field:   "prices.stale_threshold",
			Message: "Stale threshold must be greater than a positive warning threshold",
		})
	}

	return errors
}

func (c *Config) validateExecution() ValidationErrors {
	var errors ValidationErrors

	if c.Execution.FuturesWorkers < 1 || c.Execution.SpotWorkers < 1 {
		errors = append(errors, ValidationError{
			Field:   "execution.workers",
			Message: "Both futures_workers and spot_workers must be at least 1",
		})
	}
	if c.Execution.QueueSize < 1 {
		errors = append(errors, ValidationError{Field: "execution.queue_size", Message: "Queue size must be at least 1"})
	}
	if c.Execution.FuturesRate <= 0 || c.Execution.SpotRate <= 0 {
		errors = append(errors, ValidationError{
			Field:   "execution.rate",
			Message: "Order rates must be positive",
		})
	}

	return errors
}

func (c *Config) validateOrchestrator() ValidationErrors {
	var errors ValidationErrors

	if c.Orchestrator.PollInterval <= 0 {
		errors = append(errors, ValidationError{Field: "orchestrator.poll_interval", Message: "Poll interval must be positive"})
	}
	if c.Orchestrator.MaintenanceInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.maintenance_interval",
			Message: "Maintenance interval must be positive",
		})
	}
	if c.Orchestrator.QueueSize < 1 {
		errors = append(errors, ValidationError{Field: "orchestrator.queue_size", Message: "Queue size must be at least 1"})
	}

	return errors
}
