// Package config defines the top-level configuration for the betcha service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BETCHA_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Authority AuthorityConfig `toml:"authority"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds the chain ID that scopes signatures and the immutable
// addresses the factory is constructed with.
type ChainConfig struct {
	ChainID           int64  `toml:"chain_id"`
	FactoryAddress    string `toml:"factory_address"`
	RoundTemplate     string `toml:"round_template"`
	ProxyDeployer     string `toml:"proxy_deployer"`
	AuthorityTemplate string `toml:"authority_template"`
}

// AuthorityConfig holds resolver-group parameters.
type AuthorityConfig struct {
	// Threshold is the number of member approvals a group needs; 0 selects
	// a strict majority.
	Threshold int `toml:"threshold"`
}

// LedgerConfig selects where balances live.
type LedgerConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
	// Tokens are deployed on the memory backend at startup, as symbol=name.
	Tokens map[string]string `toml:"tokens"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
	LockTTLSeconds  int    `toml:"lock_ttl_seconds"`
	KeyPrefix       string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls copying settled rounds to object storage.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// AfterDays is how long a round must have been settled before it is
	// archived.
	AfterDays int `toml:"after_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey and APISecret guard operator routes; the secret verifies
	// HMAC-signed requests.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	// RateLimit is the number of requests per client per RateWindow.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// CallTTL bounds how far in the future a signed call may expire.
	CallTTL duration `toml:"call_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:           31337,
			FactoryAddress:    "0x00000000000000000000000000000000000FAC70",
			RoundTemplate:     "0x0000000000000000000000000000000000A0BD01",
			ProxyDeployer:     "0x00000000000000000000000000000000000DE910",
			AuthorityTemplate: "0x0000000000000000000000000000000000A07401",
		},
		Ledger: LedgerConfig{
			Backend: "postgres",
			Tokens:  map[string]string{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			CacheTTLMinutes: 60,
			StreamMaxLen:    10000,
			LockTTLSeconds:  10,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "betcha-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Interval:  duration{time.Hour},
			AfterDays: 30,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			CallTTL:     duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"round_created", "settled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	for name, v := range map[string]string{
		"factory_address":    c.Chain.FactoryAddress,
		"round_template":     c.Chain.RoundTemplate,
		"proxy_deployer":     c.Chain.ProxyDeployer,
		"authority_template": c.Chain.AuthorityTemplate,
	} {
		if !common.IsHexAddress(v) || common.HexToAddress(v) == (common.Address{}) {
			errs = append(errs, fmt.Sprintf("chain: %s must be a non-zero hex address, got %q", name, v))
		}
	}

	if c.Authority.Threshold < 0 {
		errs = append(errs, "authority: threshold must be >= 0")
	}

	// Ledger
	switch c.Ledger.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres)", c.Ledger.Backend))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.LockTTLSeconds < 1 {
		errs = append(errs, "redis: lock_ttl_seconds must be >= 1")
	}

	// S3 and archiving
	if c.Archive.Enabled {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.AfterDays < 0 {
			errs = append(errs, "archive: after_days must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.CallTTL.Duration <= 0 {
			errs = append(errs, "server: call_ttl must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
