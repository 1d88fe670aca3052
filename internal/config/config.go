package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// Config holds all terminal configuration
type Config struct {
	AppPort string `envconfig:"APP_PORT" default:"8080"`
	AppEnv  string `envconfig:"APP_ENV" default:"development"`

	// Remote order/table/payment API
	APIBaseURL string `envconfig:"API_BASE_URL" default:"http://localhost:9000"`
	APIToken   string `envconfig:"API_TOKEN"`

	// Push channel
	PushEndpoint          string `envconfig:"PUSH_ENDPOINT" default:"ws://localhost:9000/push"`
	PushKeepaliveSeconds  int    `envconfig:"PUSH_KEEPALIVE_SECONDS" default:"30"`
	PushReconnectAttempts int    `envconfig:"PUSH_RECONNECT_ATTEMPTS" default:"0"`

	// Redis (invoiced-quantity ledger persistence)
	RedisURL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// SQLite (terminal-local activity log)
	ActivityDBPath string `envconfig:"ACTIVITY_DB_PATH" default:"mesa-terminal.db"`

	// Session
	JWTSecret string `envconfig:"JWT_SECRET" default:"change-this-secret-in-production"`

	// Branch policy
	TaxRate            string `envconfig:"TAX_RATE" default:"0.10"`
	MultiWaiterEnabled bool   `envconfig:"MULTI_WAITER_ENABLED" default:"false"`
	OverridePINHash    string `envconfig:"OVERRIDE_PIN_HASH"`
}

var instance *Config

// Load initializes and returns the singleton Config instance
func Load() (*Config, error) {
	if instance != nil {
		return instance, nil
	}

	// Load .env file if it exists (for local development)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment variables: %w", err)
	}

	if _, err := decimal.NewFromString(cfg.TaxRate); err != nil {
		return nil, fmt.Errorf("invalid TAX_RATE %q: %w", cfg.TaxRate, err)
	}

	instance = cfg
	return instance, nil
}

// Get returns the singleton Config instance (must call Load first)
func Get() *Config {
	if instance == nil {
		panic("config not loaded: call config.Load() first")
	}
	return instance
}

// BranchPolicy builds the branch policy the reconciliation core consumes.
func (c *Config) BranchPolicy() core.BranchPolicy {
	rate, _ := decimal.NewFromString(c.TaxRate) // validated in Load
	return core.BranchPolicy{
		MultiWaiterEnabled: c.MultiWaiterEnabled,
		TaxRate:            rate,
		OverridePINHash:    c.OverridePINHash,
	}
}
