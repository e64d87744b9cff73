// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/ojapay/ojapay/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	PlatformAccount string        // Account credited with the platform commission
	PlatformFeeRate string        // Fraction of the order total, e.g. "0.05"
	AgentFeeRate    string        // Agent share on agent-mediated listings, e.g. "0.10"
	SweepInterval   time.Duration // How often the auto-release sweeper runs
	SweepLimit      int           // Max orders per sweep run

	// Security
	AdminSecret  string // Bearer secret for adjudication and sweep endpoints
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (empty disables tracing)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPlatformAccount = "acct_platform"
	DefaultPlatformFeeRate = "0.05"
	DefaultAgentFeeRate    = "0.10"
	DefaultSweepInterval   = 60 * time.Second
	DefaultSweepLimit      = 50
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformAccount: getEnv("PLATFORM_ACCOUNT", DefaultPlatformAccount),
		PlatformFeeRate: getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		AgentFeeRate:    getEnv("AGENT_FEE_RATE", DefaultAgentFeeRate),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepLimit:      int(getEnvInt64("SWEEP_LIMIT", DefaultSweepLimit)),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.PlatformAccount == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT must not be empty")
	}
	if _, err := c.SplitPolicy(); err != nil {
		return fmt.Errorf("invalid fee rates: %w", err)
	}
	if _, err := c.AgentSplitPolicy(); err != nil {
		return fmt.Errorf("invalid fee rates: %w", err)
	}
	if c.SweepLimit <= 0 || c.SweepLimit > 500 {
		return fmt.Errorf("SWEEP_LIMIT must be between 1 and 500, got %d", c.SweepLimit)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s, got %s", c.SweepInterval)
	}
	return nil
}

// SplitPolicy builds the standard release split from the configured
// platform fee rate: merchant gets the rest.
func (c *Config) SplitPolicy() (money.SplitPolicy, error) {
	fee, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	p := money.SplitPolicy{
		money.RolePlatform: fee,
		money.RoleMerchant: decimal.NewFromInt(1).Sub(fee),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// AgentSplitPolicy builds the three-way split used for agent-mediated
// listings: agent and platform take their rates, the owner nets the rest.
func (c *Config) AgentSplitPolicy() (money.SplitPolicy, error) {
	platformFee, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	agentFee, err := decimal.NewFromString(c.AgentFeeRate)
	if err != nil {
		return nil, fmt.Errorf("AGENT_FEE_RATE: %w", err)
	}
	p := money.SplitPolicy{
		money.RolePlatform: platformFee,
		money.RoleAgent:    agentFee,
		money.RoleMerchant: decimal.NewFromInt(1).Sub(platformFee).Sub(agentFee),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
