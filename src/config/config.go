package config

import (
	"fmt"
	"os"

	"market-streamer/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// applyDefaults fills optional knobs with workable values.
func (c *Config) applyDefaults() {
	if c.Bus.Backend == "" {
		c.Bus.Backend = "memory"
	}
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 1024
	}
	if c.Registry.Shards <= 0 {
		c.Registry.Shards = 16
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		c.Registry.HeartbeatTimeout = 90
	}
	if c.Registry.SweepInterval <= 0 {
		c.Registry.SweepInterval = 30
	}
	if c.Upstream.CallTimeout <= 0 {
		c.Upstream.CallTimeout = 5
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.RetryBaseDelay <= 0 {
		c.Upstream.RetryBaseDelay = 250
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = 300
	}
	if c.Reconcile.StaleThreshold <= 0 {
		c.Reconcile.StaleThreshold = 600
	}
	if c.Reconcile.MaxRangePerRun <= 0 {
		c.Reconcile.MaxRangePerRun = 24 * 60
	}
	if c.Reconcile.MaxAttempts <= 0 {
		c.Reconcile.MaxAttempts = 5
	}
	if c.Reconcile.BackoffBase <= 0 {
		c.Reconcile.BackoffBase = 60
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	// Validate App configuration (Flattened)
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration (Flattened)
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Validate Storage configuration
	if c.Storage.DBType == "" {
		return fmt.Errorf("database type cannot be empty")
	}
	if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
		return fmt.Errorf("database path cannot be empty for sqlite")
	}
	if c.Storage.DBType == "postgres" && c.Storage.DBConnectionString == "" {
		return fmt.Errorf("connection string cannot be empty for postgres")
	}

	// Validate Bus configuration
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty for redis bus")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			return fmt.Errorf("at least one kafka broker must be configured")
		}
	default:
		return fmt.Errorf("unknown bus backend: %s", c.Bus.Backend)
	}

	// Validate Upstream configuration
	if len(c.Upstream.Accounts) == 0 {
		return fmt.Errorf("at least one upstream account must be configured")
	}
	for i, acc := range c.Upstream.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("upstream account %d must have an id", i)
		}
		if acc.Capacity <= 0 {
			return fmt.Errorf("upstream account '%s' must have a positive capacity", acc.ID)
		}
		if !c.Upstream.Simulated && acc.URL == "" {
			return fmt.Errorf("upstream account '%s' must have a URL", acc.ID)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
