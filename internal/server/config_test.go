package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, RateLimitConfig{Burst: 5, RefillInterval: time.Second}, cfg.RateLimit)
}

func TestSanitizeRestoresDefaults(t *testing.T) {
	cfg := Sanitize(Config{
		MaxMessageSize: -1,
		SendBuffer:     0,
		HistoryLimit:   -3,
		MetricsPath:    "metrics",
		RateLimit:      RateLimitConfig{Burst: -1},
	})
	def := DefaultConfig()

	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.SendBuffer, cfg.SendBuffer)
	assert.Equal(t, def.HistoryLimit, cfg.HistoryLimit)
	assert.Equal(t, def.MetricsPath, cfg.MetricsPath)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.PersistTimeout, cfg.PersistTimeout)

	assert.Zero(t, Sanitize(Config{HistoryLimit: 0}).HistoryLimit, "zero disables replay")
}

func TestLoadConfigLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaychat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: ":9000"
history_limit: 20
persist_timeout: 2s
jwt_secret: ${RELAYCHAT_TEST_SECRET}
allowed_origins:
  - https://chat.example.com
rate_limit:
  burst: 10
  refill_interval: 500ms
store:
  driver: sqlite
  dsn: file:chat.db
`), 0o600))

	t.Setenv("RELAYCHAT_TEST_SECRET", "from-file")
	t.Setenv("SERVER_PORT", ":9100")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Port)
	assert.Equal(t, 20, cfg.HistoryLimit)
	assert.Equal(t, 2*time.Second, cfg.PersistTimeout)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 3*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:chat.db", cfg.Store.DSN)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestNewConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("RATE_LIMIT_BURST", "-4")
	t.Setenv("HISTORY_LIMIT", "15")
	t.Setenv("ALLOWED_ORIGINS", " http://a.test , http://b.test ")

	cfg := NewConfigFromEnv()
	def := DefaultConfig()

	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.RateLimit.Burst, cfg.RateLimit.Burst)
	assert.Equal(t, 15, cfg.HistoryLimit)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestHistoryLimitFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"0", 0},
		{"7", 7},
		{"-1", defaultHistoryLimit},
		{"lots", defaultHistoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("HISTORY_LIMIT", tt.value)
			assert.Equal(t, tt.want, NewConfigFromEnv().HistoryLimit)
		})
	}
}
