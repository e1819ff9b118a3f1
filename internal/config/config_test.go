package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lnescrow/internal/escrow"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "HTTP_ADDR", ":9090")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "STORAGE_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, escrow.Mainnet, cfg.Network)
	assert.Equal(t, RoleClient, cfg.Role)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, DefaultRelays, cfg.Relays)
	assert.Equal(t, DefaultGracePeriod, cfg.RelayGracePeriod)
	assert.Equal(t, escrow.MaxPendingTrades, cfg.PendingTradeCapacity)
	assert.Equal(t, int64(escrow.MinTradeAmountSat), cfg.MinTradeAmountSat)
}

func TestLoad_AgentOnRegtest(t *testing.T) {
	setEnv(t, "ESCROW_ROLE", "agent")
	setEnv(t, "NETWORK", "regtest")
	setEnv(t, "NOSTR_RELAYS", "wss://a.example, wss://b.example,,")
	setEnv(t, "RELAY_GRACE_PERIOD", "2s")
	setEnv(t, "STORAGE_BACKEND", "leveldb")
	setEnv(t, "LEVELDB_PATH", "/tmp/escrow")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RoleAgent, cfg.Role)
	assert.Equal(t, escrow.Regtest, cfg.Network)
	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	assert.Equal(t, 2*time.Second, cfg.RelayGracePeriod)
	assert.Equal(t, BackendLevelDB, cfg.StorageBackend)
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	setEnv(t, "DATABASE_URL", "postgres://localhost/escrow")
	setEnv(t, "STORAGE_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
}

func TestLoad_UnknownNetwork(t *testing.T) {
	setEnv(t, "NETWORK", "litecoin")

	_, err := Load()
	assert.ErrorIs(t, err, escrow.ErrUnknownNetwork)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Role:                 RoleAgent,
			Network:              escrow.Signet,
			Relays:               []string{"wss://relay.example"},
			StorageBackend:       BackendMemory,
			WalletID:             "w",
			PendingTradeCapacity: 10,
			MinTradeAmountSat:    1000,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"bad role", func(c *Config) { c.Role = "mediator" }, "ESCROW_ROLE"},
		{"bad network", func(c *Config) { c.Network = "dogenet" }, "NETWORK"},
		{"no relays", func(c *Config) { c.Relays = nil }, "NOSTR_RELAYS is required"},
		{"http relay", func(c *Config) { c.Relays = []string{"https://relay.example"} }, "not a websocket URL"},
		{"plain ws relay", func(c *Config) { c.Relays = []string{"ws://relay.example"} }, "must use wss"},
		{"bad webhook", func(c *Config) { c.WebhookURLs = []string{"ftp://hooks.example"} }, "WEBHOOK_URLS"},
		{"production without secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET is required"},
		{"postgres without url", func(c *Config) { c.StorageBackend = BackendPostgres }, "DATABASE_URL is required"},
		{"leveldb without path", func(c *Config) { c.StorageBackend = BackendLevelDB }, "LEVELDB_PATH is required"},
		{"unknown backend", func(c *Config) { c.StorageBackend = "redis" }, "STORAGE_BACKEND"},
		{"no wallet", func(c *Config) { c.WalletID = "" }, "WALLET_ID is required"},
		{"zero capacity", func(c *Config) { c.PendingTradeCapacity = 0 }, "PENDING_TRADE_CAPACITY"},
		{"zero minimum", func(c *Config) { c.MinTradeAmountSat = 0 }, "MIN_TRADE_AMOUNT_SAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "150ms")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 150*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
