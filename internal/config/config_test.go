package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := fromEnv()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 120*time.Second, cfg.Pairing.DefaultTTL)
	assert.Equal(t, 3*time.Second, cfg.Pairing.PollInterval)
	assert.Equal(t, 16, cfg.Pairing.MinTokenLength)
	assert.Equal(t, 4*time.Second, cfg.Trust.PollInterval)
	assert.Equal(t, cfg.Pairing.BaseURL, cfg.Trust.BaseURL)
	assert.Equal(t, "verified", cfg.Cookie.Name)
	assert.Equal(t, 365*24*time.Hour, cfg.Cookie.MaxAge)
	assert.Equal(t, FlagStoreMemory, cfg.Flag.Store)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PAIRING_BASE_URL", "https://pair.example.com/")
	t.Setenv("PAIRING_DEFAULT_TTL", "5m")
	t.Setenv("PAIRING_POLL_INTERVAL", "1s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001234")
	t.Setenv("SERVER_ENABLE_TLS", "1")

	cfg := fromEnv()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://pair.example.com", cfg.Pairing.BaseURL)
	assert.Equal(t, 5*time.Minute, cfg.Pairing.DefaultTTL)
	assert.Equal(t, time.Second, cfg.Pairing.PollInterval)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int64(-1001234), cfg.Telegram.ChatID)
	assert.True(t, cfg.Server.EnableTLS)
	assert.Same(t, cfg, Get())
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("PAIRING_DEFAULT_TTL", "soon")
	t.Setenv("SERVER_PORT", "eighty")

	cfg := fromEnv()

	assert.Equal(t, 120*time.Second, cfg.Pairing.DefaultTTL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.env")
	require.NoError(t, os.WriteFile(path, []byte("TRUST_HOSTNAME=portal.gov.pl\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TRUST_HOSTNAME") })

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "portal.gov.pl", cfg.Trust.Hostname)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{WidgetShards: 4},
			Pairing: PairingConfig{
				BaseURL:        "http://localhost:8000",
				DefaultTTL:     2 * time.Minute,
				PollInterval:   3 * time.Second,
				MinTokenLength: 16,
			},
			Trust:  TrustConfig{PollInterval: 4 * time.Second},
			Cookie: CookieConfig{MaxAge: 24 * time.Hour},
			Flag:   FlagConfig{Store: FlagStoreMemory},
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:     "bad base url",
			mutate:   func(c *Config) { c.Pairing.BaseURL = "not a url" },
			errorMsg: "invalid PAIRING_BASE_URL",
		},
		{
			name:     "ttl too short",
			mutate:   func(c *Config) { c.Pairing.DefaultTTL = 10 * time.Millisecond },
			errorMsg: "PAIRING_DEFAULT_TTL must be at least 1s",
		},
		{
			name:     "zero poll interval",
			mutate:   func(c *Config) { c.Pairing.PollInterval = 0 },
			errorMsg: "PAIRING_POLL_INTERVAL must be positive",
		},
		{
			name:     "no registry shards",
			mutate:   func(c *Config) { c.Server.WidgetShards = 0 },
			errorMsg: "SERVER_WIDGET_SHARDS must be at least 1",
		},
		{
			name:     "cookie shorter than ttl",
			mutate:   func(c *Config) { c.Cookie.MaxAge = time.Minute },
			errorMsg: "COOKIE_MAX_AGE must be longer",
		},
		{
			name:     "file store without path",
			mutate:   func(c *Config) { c.Flag.Store = FlagStoreFile },
			errorMsg: "FLAG_PATH is required",
		},
		{
			name:     "redis store without url",
			mutate:   func(c *Config) { c.Flag.Store = FlagStoreRedis },
			errorMsg: "REDIS_URL is required",
		},
		{
			name:     "unknown store",
			mutate:   func(c *Config) { c.Flag.Store = "reddis" },
			errorMsg: `invalid FLAG_STORE value: "reddis"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}
