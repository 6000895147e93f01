// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	PrivateKey        string // Hex-encoded, with or without 0x prefix
	EscrowContract    string
	ConfirmationDepth uint64 // Blocks behind head before a receipt counts as final

	// Settlement settings
	MaxSettleAttempts int
	SettleBaseDelay   time.Duration
	ReconcileInterval time.Duration

	// Dispute settings
	MaxScoreSpread  int           // Validator score spread above which disputes escalate
	ChallengeWindow time.Duration // Window after delivery during which disputes are accepted

	// Validation registry
	JuryValidators []string // Addresses allowed to respond on jury-gated tags

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL            = "https://sepolia.base.org"
	DefaultChainID           = 84532 // Base Sepolia
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultConfirmationDepth = 3
	DefaultMaxSettleAttempts = 5
	DefaultSettleBaseDelay   = 2 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultMaxScoreSpread    = 40
	DefaultChallengeWindow   = 24 * time.Hour
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:    os.Getenv("ESCROW_CONTRACT"),
		ConfirmationDepth: uint64(getEnvInt64("CONFIRMATION_DEPTH", DefaultConfirmationDepth)),
		MaxSettleAttempts: int(getEnvInt64("MAX_SETTLE_ATTEMPTS", DefaultMaxSettleAttempts)),
		SettleBaseDelay:   getEnvDuration("SETTLE_BASE_DELAY", DefaultSettleBaseDelay),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		MaxScoreSpread:    int(getEnvInt64("MAX_SCORE_SPREAD", DefaultMaxScoreSpread)),
		ChallengeWindow:   getEnvDuration("CHALLENGE_WINDOW", DefaultChallengeWindow),
		JuryValidators:    getEnvList("JURY_VALIDATORS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}
	if len(c.EscrowContract) != 42 || c.EscrowContract[:2] != "0x" {
		return fmt.Errorf("ESCROW_CONTRACT must be a 0x-prefixed 40-hex-character address")
	}

	if c.ConfirmationDepth == 0 {
		return fmt.Errorf("CONFIRMATION_DEPTH must be at least 1")
	}
	if c.MaxScoreSpread <= 0 || c.MaxScoreSpread > 100 {
		return fmt.Errorf("MAX_SCORE_SPREAD must be in (0, 100]")
	}
	if c.ChallengeWindow <= 0 {
		return fmt.Errorf("CHALLENGE_WINDOW must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
