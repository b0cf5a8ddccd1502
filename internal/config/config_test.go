package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Chain.ChainID = 0
	cfg.Chain.FactoryAddress = "nope"
	cfg.Ledger.Backend = "sqlite"
	cfg.Server.Port = 70000

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "chain_id must be positive")
	assert.Contains(t, msg, "factory_address must be a non-zero hex address")
	assert.Contains(t, msg, `unknown backend "sqlite"`)
	assert.Contains(t, msg, "port must be 1-65535")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "betcha.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[chain]
chain_id = 8453

[archive]
interval = "15m"

[ledger]
backend = "memory"
tokens = { TUSD = "Test USD" }
`), 0o600))

	t.Setenv("BETCHA_SERVER_PORT", "9090")
	t.Setenv("BETCHA_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("BETCHA_ARCHIVE_AFTER_DAYS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, int64(8453), cfg.Chain.ChainID)
	assert.Equal(t, 15*time.Minute, cfg.Archive.Interval.Duration)
	assert.Equal(t, 7, cfg.Archive.AfterDays)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "Test USD", cfg.Ledger.Tokens["TUSD"])
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
