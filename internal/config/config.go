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

	// Settlement rail: "memory", "stripe", or "chain"
	Rail string

	// Stripe rail
	StripeAPIKey string

	// On-chain rail
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, no 0x prefix
	CustodyWallet string // Address funds are held at while locked
	TokenContract string // ERC-20 token used for settlement

	// Exchange behavior
	TradeTTL       time.Duration // Pending trades past this age are cancelled
	ReservationTTL time.Duration // Unconsumed offer reservations past this age are swept back
	DisputeSLA     time.Duration // Claimed disputes past this age return to the open pool
	SweepInterval  time.Duration // How often the expiry timers run

	// Sync hub
	ReplayDepth int // Events retained per topic for reconnect replay

	// Identity: comma-separated token=principal[:admin] pairs for the static resolver
	APITokens string

	// Notifications
	WebhookURL    string
	WebhookSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRail           = "memory"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultTradeTTL       = 24 * time.Hour
	DefaultReservationTTL = 15 * time.Minute
	DefaultDisputeSLA     = 48 * time.Hour
	DefaultSweepInterval  = time.Minute
	DefaultReplayDepth    = 256
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Rail:           getEnv("RAIL", DefaultRail),
		StripeAPIKey:   os.Getenv("STRIPE_API_KEY"),
		RPCURL:         os.Getenv("RPC_URL"),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:     os.Getenv("PRIVATE_KEY"),
		CustodyWallet:  os.Getenv("CUSTODY_WALLET"),
		TokenContract:  os.Getenv("TOKEN_CONTRACT"),
		TradeTTL:       getEnvDuration("TRADE_TTL", DefaultTradeTTL),
		ReservationTTL: getEnvDuration("RESERVATION_TTL", DefaultReservationTTL),
		DisputeSLA:     getEnvDuration("DISPUTE_SLA", DefaultDisputeSLA),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReplayDepth:    int(getEnvInt64("REPLAY_DEPTH", DefaultReplayDepth)),
		APITokens:      os.Getenv("API_TOKENS"),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Rail {
	case "memory":
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when RAIL=stripe")
		}
	case "chain":
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when RAIL=chain")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required when RAIL=chain")
		}
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	default:
		return fmt.Errorf("RAIL must be one of memory, stripe, chain (got %q)", c.Rail)
	}

	if c.ReplayDepth <= 0 {
		return fmt.Errorf("REPLAY_DEPTH must be positive")
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

// Tokens parses APITokens into a token -> principal map plus the set of
// principals holding the admin role. Malformed entries are skipped.
func (c *Config) Tokens() (principals map[string]string, admins map[string]bool) {
	principals = make(map[string]string)
	admins = make(map[string]bool)
	for _, entry := range strings.Split(c.APITokens, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" || rest == "" {
			continue
		}
		principal, role, hasRole := strings.Cut(rest, ":")
		if principal == "" {
			continue
		}
		principals[token] = principal
		if hasRole && role == "admin" {
			admins[principal] = true
		}
	}
	return principals, admins
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
