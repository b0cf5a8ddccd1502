package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BETCHA_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BETCHA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setInt64(&cfg.Chain.ChainID, "BETCHA_CHAIN_ID")
	setStr(&cfg.Chain.FactoryAddress, "BETCHA_CHAIN_FACTORY_ADDRESS")
	setStr(&cfg.Chain.RoundTemplate, "BETCHA_CHAIN_ROUND_TEMPLATE")
	setStr(&cfg.Chain.ProxyDeployer, "BETCHA_CHAIN_PROXY_DEPLOYER")
	setStr(&cfg.Chain.AuthorityTemplate, "BETCHA_CHAIN_AUTHORITY_TEMPLATE")

	// ── Authority ──
	setInt(&cfg.Authority.Threshold, "BETCHA_AUTHORITY_THRESHOLD")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "BETCHA_LEDGER_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BETCHA_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "BETCHA_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BETCHA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BETCHA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BETCHA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BETCHA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BETCHA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BETCHA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BETCHA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BETCHA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BETCHA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BETCHA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BETCHA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BETCHA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BETCHA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BETCHA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BETCHA_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.CacheTTLMinutes, "BETCHA_REDIS_CACHE_TTL_MINUTES")
	setInt(&cfg.Redis.StreamMaxLen, "BETCHA_REDIS_STREAM_MAX_LEN")
	setInt(&cfg.Redis.LockTTLSeconds, "BETCHA_REDIS_LOCK_TTL_SECONDS")
	setStr(&cfg.Redis.KeyPrefix, "BETCHA_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BETCHA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BETCHA_S3_REGION")
	setStr(&cfg.S3.Bucket, "BETCHA_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "BETCHA_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "BETCHA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BETCHA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BETCHA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BETCHA_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BETCHA_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "BETCHA_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.AfterDays, "BETCHA_ARCHIVE_AFTER_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BETCHA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BETCHA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BETCHA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BETCHA_SERVER_API_KEY")
	setStr(&cfg.Server.APISecret, "BETCHA_SERVER_API_SECRET")
	setInt(&cfg.Server.RateLimit, "BETCHA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BETCHA_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.CallTTL, "BETCHA_SERVER_CALL_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BETCHA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BETCHA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BETCHA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BETCHA_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BETCHA_MODE")
	setStr(&cfg.LogLevel, "BETCHA_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
