package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "session-secret")
	t.Setenv("REALTIME_TOKEN_SECRET", "realtime-secret")
	t.Setenv("APP_ENV", "dev")
	t.Setenv("PGHOST", "db")
	t.Setenv("REALTIME_TOKEN_TTL", "15m")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 15*time.Minute, cfg.RealtimeConfig.TokenTTL)
	assert.Equal(t, "postgres://flippy_user:flippy_pass@db:5432/flippy?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("REALTIME_TOKEN_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "REALTIME_TOKEN_SECRET is required")
}

func TestLoadConfigReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JWT_SECRET", "")
	t.Setenv("REALTIME_TOKEN_SECRET", "")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_secret: from-file\nrealtime_token_secret: rt\nport: \"9000\"\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "9000", cfg.Port)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := &Config{
		JWTSecret:      "a",
		StoreDriver:    "cassandra",
		RealtimeConfig: RealtimeConfig{TokenSecret: "b", TokenTTL: time.Minute},
	}
	assert.ErrorContains(t, cfg.Validate(), "unknown STORE_DRIVER")
}
