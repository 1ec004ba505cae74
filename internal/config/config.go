package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string  `mapstructure:"PORT"`
	Env                     string  `mapstructure:"ENV"`
	LogLevel                string  `mapstructure:"LOG_LEVEL"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32   `mapstructure:"DB_MIN_CONNS"`
	JWTSecret               string  `mapstructure:"JWT_SECRET"`
	WorkerCount             int     `mapstructure:"WORKER_COUNT"`
	QueueSize               int     `mapstructure:"QUEUE_SIZE"`
	RetryMax                int     `mapstructure:"RETRY_MAX"`
	RetryBackoffBaseMS      int     `mapstructure:"RETRY_BACKOFF_BASE_MS"`
	LockTimeoutSeconds      int     `mapstructure:"LOCK_TIMEOUT_SECONDS"`
	ReconcileTimeoutSeconds int     `mapstructure:"RECONCILE_TIMEOUT_SECONDS"`
	BacklogPollSeconds      int     `mapstructure:"BACKLOG_POLL_SECONDS"`
	ReferrerTables          string  `mapstructure:"REFERRER_TABLES"`
	MigrationsDir           string  `mapstructure:"MIGRATIONS_DIR"`
	RateLimitRPS            float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("QUEUE_SIZE", 256)
	v.SetDefault("RETRY_MAX", 5)
	v.SetDefault("RETRY_BACKOFF_BASE_MS", 50)
	v.SetDefault("LOCK_TIMEOUT_SECONDS", 30)
	v.SetDefault("RECONCILE_TIMEOUT_SECONDS", 60)
	v.SetDefault("BACKLOG_POLL_SECONDS", 30)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("QUEUE_SIZE")
	v.BindEnv("RETRY_MAX")
	v.BindEnv("RETRY_BACKOFF_BASE_MS")
	v.BindEnv("LOCK_TIMEOUT_SECONDS")
	v.BindEnv("RECONCILE_TIMEOUT_SECONDS")
	v.BindEnv("BACKLOG_POLL_SECONDS")
	v.BindEnv("REFERRER_TABLES")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LockTimeout is the maximum time a reconcile waits for its identity locks.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// ReconcileTimeout is the per-event deadline for a full reconcile pass.
func (c *Config) ReconcileTimeout() time.Duration {
	return time.Duration(c.ReconcileTimeoutSeconds) * time.Second
}

// RetryBackoffBase is the first retry delay; each retry doubles it.
func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

// BacklogPollInterval is how often the worker pool rescans unprocessed
// staging rows.
func (c *Config) BacklogPollInterval() time.Duration {
	return time.Duration(c.BacklogPollSeconds) * time.Second
}

// ReferrerPairs parses REFERRER_TABLES ("table:column,table:column") into
// pairs appended to the built-in referrers registry.
func (c *Config) ReferrerPairs() ([][2]string, error) {
	if strings.TrimSpace(c.ReferrerTables) == "" {
		return nil, nil
	}
	var pairs [][2]string
	for _, item := range strings.Split(c.ReferrerTables, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("REFERRER_TABLES entry %q must be table:column", item)
		}
		pairs = append(pairs, [2]string{parts[0], parts[1]})
	}
	return pairs, nil
}

// Validate checks that the configuration is safe to run. Outside development
// the JWT secret must be set so the ingest and admin surfaces are actually
// authenticated.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative, got %d", c.RetryMax)
	}
	if c.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT_SECONDS must be positive, got %d", c.LockTimeoutSeconds)
	}
	if c.ReconcileTimeoutSeconds <= 0 {
		return fmt.Errorf("RECONCILE_TIMEOUT_SECONDS must be positive, got %d", c.ReconcileTimeoutSeconds)
	}
	if _, err := c.ReferrerPairs(); err != nil {
		return err
	}
	return nil
}
