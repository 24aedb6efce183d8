package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	unsetEnvWithCleanup(t, "STORE_DRIVER")
	unsetEnvWithCleanup(t, "MIN_TOPUP_AMOUNT")
	unsetEnvWithCleanup(t, "GATEWAY_TIMEOUT")
	unsetEnvWithCleanup(t, "ENVIRONMENT")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, int64(10), cfg.MinTopUpAmount)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, int64(100), cfg.GatewayMinorUnits)
	assert.Equal(t, "payment_events", cfg.EventsExchange)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	unsetEnvWithCleanup(t, "ENVIRONMENT")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MIN_TOPUP_AMOUNT=50\nGATEWAY_TERMINAL_KEY=FromFile\n"), 0o600))
	setEnvWithCleanup(t, "MIN_TOPUP_AMOUNT", "25")
	setEnvWithCleanup(t, "GATEWAY_TIMEOUT", "3s")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.MinTopUpAmount)
	assert.Equal(t, "FromFile", cfg.GatewayTerminalKey)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
}

func TestLoadConfig_PostgresNeedsDBSource(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setEnvWithCleanup(t, "STORE_DRIVER", "postgres")
	unsetEnvWithCleanup(t, "DB_SOURCE")

	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "DB_SOURCE")
}

func TestValidate_ProductionSecrets(t *testing.T) {
	cfg := Config{StoreDriver: "memory", Env: "production", MinTopUpAmount: 10, GatewayMinorUnits: 100, GatewayTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "GATEWAY_PASSWORD")
	assert.ErrorContains(t, err, "ADMIN_JWT_SECRET")
}

func setEnvWithCleanup(t *testing.T, key, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
