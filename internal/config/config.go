// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	HTTPAddr    string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	AdminSecret string // Bearer token for mutating control API routes (required in production)
	CORSOrigins []string
	RateLimit   float64 // control API requests per minute per client

	// Trade state webhooks
	WebhookURLs   []string
	WebhookSecret string

	// Role settings
	Role    string // "agent" or "client"
	Network escrow.Network

	// Relays
	Relays           []string
	Proxy            string
	RelayGracePeriod time.Duration

	// Storage
	StorageBackend string // "memory", "leveldb", "postgres"
	LevelDBPath    string
	DatabaseURL    string

	// Wallet
	WalletID          string
	WalletNATSURL     string // Remote wallet bridge (optional, uses in-memory if not set)
	WalletNATSSubject string

	// Agent settings
	PendingTradeCapacity int
	MinTradeAmountSat    int64

	// Client settings
	TrustedAgents []string

	// Tracing
	OTLPEndpoint string
}

const (
	RoleAgent  = "agent"
	RoleClient = "client"

	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

const (
	DefaultHTTPAddr    = ":8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultRole        = RoleClient
	DefaultNetwork     = "mainnet"
	DefaultGracePeriod = 10 * time.Second
	DefaultWalletID    = "default"
	DefaultNATSSubject = "wallet"
	DefaultLevelDBPath = "data/escrow.db"
	DefaultRateLimit   = 120
)

// DefaultRelays is used when NOSTR_RELAYS is empty.
var DefaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol"}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	network, err := escrow.ParseNetwork(getEnv("NETWORK", DefaultNetwork))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", DefaultHTTPAddr),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSOrigins:          getEnvList("CORS_ORIGINS", nil),
		RateLimit:            float64(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		WebhookURLs:          getEnvList("WEBHOOK_URLS", nil),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		Role:                 getEnv("ESCROW_ROLE", DefaultRole),
		Network:              network,
		Relays:               getEnvList("NOSTR_RELAYS", DefaultRelays),
		Proxy:                os.Getenv("NOSTR_PROXY"),
		RelayGracePeriod:     getEnvDuration("RELAY_GRACE_PERIOD", DefaultGracePeriod),
		LevelDBPath:          getEnv("LEVELDB_PATH", DefaultLevelDBPath),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		WalletID:             getEnv("WALLET_ID", DefaultWalletID),
		WalletNATSURL:        os.Getenv("WALLET_NATS_URL"),
		WalletNATSSubject:    getEnv("WALLET_NATS_SUBJECT", DefaultNATSSubject),
		PendingTradeCapacity: int(getEnvInt64("PENDING_TRADE_CAPACITY", escrow.MaxPendingTrades)),
		MinTradeAmountSat:    getEnvInt64("MIN_TRADE_AMOUNT_SAT", escrow.MinTradeAmountSat),
		TrustedAgents:        getEnvList("TRUSTED_AGENTS", nil),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.StorageBackend = getEnv("STORAGE_BACKEND", cfg.defaultBackend())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultBackend picks postgres when a database is configured.
func (c *Config) defaultBackend() string {
	if c.DatabaseURL != "" {
		return BackendPostgres
	}
	return BackendMemory
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Role != RoleAgent && c.Role != RoleClient {
		return fmt.Errorf("ESCROW_ROLE must be %q or %q", RoleAgent, RoleClient)
	}
	if _, err := escrow.ParseNetwork(string(c.Network)); err != nil {
		return fmt.Errorf("NETWORK: %w", err)
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("NOSTR_RELAYS is required")
	}
	for _, r := range c.Relays {
		if err := security.ValidateRelayURL(r); err != nil {
			return fmt.Errorf("NOSTR_RELAYS: %q is not a websocket URL: %w", r, err)
		}
	}
	for _, u := range c.WebhookURLs {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
			return fmt.Errorf("WEBHOOK_URLS: %q is not an http(s) URL", u)
		}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH is required for the leveldb backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be memory, leveldb or postgres")
	}

	if c.WalletID == "" {
		return fmt.Errorf("WALLET_ID is required")
	}
	if c.PendingTradeCapacity <= 0 {
		return fmt.Errorf("PENDING_TRADE_CAPACITY must be positive")
	}
	if c.MinTradeAmountSat <= 0 {
		return fmt.Errorf("MIN_TRADE_AMOUNT_SAT must be positive")
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

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
