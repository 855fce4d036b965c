// Package config defines the top-level configuration of yellowbet and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Run modes.
const (
	ModeFull     = "full"
	ModeHeadless = "headless"
	ModeDemo     = "demo"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Resolver kinds used by the sweeper for expired markets.
const (
	ResolverRandom = "random"
	ResolverFeed   = "feed"
	ResolverNone   = "none"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by YELLOWBET_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	Wallet    WalletConfig    `toml:"wallet"`
	Clearnode ClearnodeConfig `toml:"clearnode"`
	Chain     ChainConfig     `toml:"chain"`
	Session   SessionConfig   `toml:"session"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
}

// WalletConfig holds the wallet key source.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ClearnodeConfig holds the clearing node endpoint and handshake deadlines.
type ClearnodeConfig struct {
	URL             string   `toml:"url"`
	Application     string   `toml:"application"`
	Scope           string   `toml:"scope"`
	Asset           string   `toml:"asset"`
	ExpiresAfter    duration `toml:"expires_after"`
	ConnectTimeout  duration `toml:"connect_timeout"`
	ResponseTimeout duration `toml:"response_timeout"`
	CloseTimeout    duration `toml:"close_timeout"`
}

// ChainConfig holds the settlement chain parameters. An empty RPCURL, or
// demo mode, uses the instant submitter.
type ChainConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	Custody          string   `toml:"custody"`
	Token            string   `toml:"token"`
	TokenDecimals    int32    `toml:"token_decimals"`
	FundsDestination string   `toml:"funds_destination"`
	GasLimit         uint64   `toml:"gas_limit"`
	PollInterval     duration `toml:"poll_interval"`
	InstantDelay     duration `toml:"instant_delay"`
}

// SessionConfig holds deposit bounds and wager pacing.
type SessionConfig struct {
	// DefaultDeposit funds the session opened in headless mode.
	DefaultDeposit string `toml:"default_deposit"`
	// MaxDeposit caps Open. Empty or zero means no cap.
	MaxDeposit string `toml:"max_deposit"`
	// WagerLimit is the number of wagers allowed per WagerWindow. Zero
	// disables the limit.
	WagerLimit  int      `toml:"wager_limit"`
	WagerWindow duration `toml:"wager_window"`
}

// LedgerConfig holds the odds nudge, the market catalog and the sweeper.
type LedgerConfig struct {
	OddsStepDown  float64  `toml:"odds_step_down"`
	OddsStepUp    float64  `toml:"odds_step_up"`
	OddsFloor     float64  `toml:"odds_floor"`
	OddsCeiling   float64  `toml:"odds_ceiling"`
	CatalogPath   string   `toml:"catalog_path"`
	SweepInterval duration `toml:"sweep_interval"`
	Resolver      string   `toml:"resolver"`
	ResolverSeed  int64    `toml:"resolver_seed"`
}

// StoreConfig selects the history store.
type StoreConfig struct {
	Driver string `toml:"driver"`
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

// SQLiteConfig holds the local database file.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When disabled the signal
// bus, locks and rate limiter run in process.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	Prefix     string   `toml:"prefix"`
	MarketTTL  duration `toml:"market_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled             bool     `toml:"enabled"`
	Endpoint            string   `toml:"endpoint"`
	Region              string   `toml:"region"`
	Bucket              string   `toml:"bucket"`
	AccessKey           string   `toml:"access_key"`
	SecretKey           string   `toml:"secret_key"`
	UseSSL              bool     `toml:"use_ssl"`
	ForcePathStyle      bool     `toml:"force_path_style"`
	Prefix              string   `toml:"prefix"`
	AuditExportInterval duration `toml:"audit_export_interval"`
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
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	OracleSecret  string   `toml:"oracle_secret"`
	OracleMaxSkew duration `toml:"oracle_max_skew"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// LogConfig holds the log level and optional file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode: ModeDemo,
		Clearnode: ClearnodeConfig{
			URL:             "wss://clearnet-sandbox.yellow.com/ws",
			Application:     "yellowbet",
			Scope:           "app.bet",
			Asset:           "usdc",
			ExpiresAfter:    duration{time.Hour},
			ConnectTimeout:  duration{60 * time.Second},
			ResponseTimeout: duration{10 * time.Second},
			CloseTimeout:    duration{30 * time.Second},
		},
		Chain: ChainConfig{
			ChainID:       11155111,
			TokenDecimals: 6,
			PollInterval:  duration{2 * time.Second},
			InstantDelay:  duration{500 * time.Millisecond},
		},
		Session: SessionConfig{
			DefaultDeposit: "100",
			MaxDeposit:     "10000",
			WagerLimit:     30,
			WagerWindow:    duration{time.Minute},
		},
		Ledger: LedgerConfig{
			OddsStepDown:  2,
			OddsStepUp:    1,
			OddsFloor:     20,
			OddsCeiling:   80,
			SweepInterval: duration{10 * time.Second},
			Resolver:      ResolverRandom,
		},
		Store: StoreConfig{Driver: DriverSQLite},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "yellowbet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "data/yellowbet.db"},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Prefix:     "yellowbet:",
			MarketTTL:  duration{30 * time.Minute},
		},
		S3: S3Config{
			Endpoint:            "http://localhost:9000",
			Region:              "us-east-1",
			Bucket:              "yellowbet",
			ForcePathStyle:      true,
			AuditExportInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Port:          8080,
			OracleMaxSkew: duration{5 * time.Minute},
			RateLimit:     300,
			RateWindow:    duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"session_failed", "session_close_pending", "session_closed"},
			Cooldown: duration{time.Minute},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

var validModes = map[string]bool{
	ModeFull:     true,
	ModeHeadless: true,
	ModeDemo:     true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// UsesRPC reports whether channel states go to a real chain.
func (c *Config) UsesRPC() bool {
	return c.Mode != ModeDemo && c.Chain.RPCURL != ""
}

// ServesHTTP reports whether the mode runs the HTTP/WS API.
func (c *Config) ServesHTTP() bool {
	return c.Mode == ModeFull || c.Mode == ModeDemo
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, headless, demo)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: json, text)", c.Log.Format))
	}

	// Wallet: demo mode falls back to a throwaway key.
	if c.Mode != ModeDemo {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Clearnode
	if u, err := url.Parse(c.Clearnode.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("clearnode: url must be a ws:// or wss:// URL, got %q", c.Clearnode.URL))
	}
	if c.Clearnode.ResponseTimeout.Duration <= 0 || c.Clearnode.ConnectTimeout.Duration <= 0 || c.Clearnode.CloseTimeout.Duration <= 0 {
		errs = append(errs, "clearnode: connect_timeout, response_timeout and close_timeout must be > 0")
	}
	if c.Clearnode.ResponseTimeout.Duration > c.Clearnode.ConnectTimeout.Duration {
		errs = append(errs, "clearnode: response_timeout must not exceed connect_timeout")
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.UsesRPC() {
		if c.Chain.Custody == "" {
			errs = append(errs, "chain: custody is required when rpc_url is set")
		}
		if c.Chain.Token == "" {
			errs = append(errs, "chain: token is required when rpc_url is set")
		}
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		errs = append(errs, fmt.Sprintf("chain: token_decimals must be 0-36, got %d", c.Chain.TokenDecimals))
	}

	// Session
	if _, err := c.MaxDeposit(); err != nil {
		errs = append(errs, err.Error())
	}
	if dep, err := c.DefaultDeposit(); err != nil {
		errs = append(errs, err.Error())
	} else if c.Mode == ModeHeadless && !dep.IsPositive() {
		errs = append(errs, "session: default_deposit must be > 0 for headless mode")
	}
	if c.Session.WagerLimit < 0 {
		errs = append(errs, "session: wager_limit must be >= 0")
	}
	if c.Session.WagerLimit > 0 && c.Session.WagerWindow.Duration <= 0 {
		errs = append(errs, "session: wager_window must be > 0 when wager_limit is set")
	}

	// Ledger
	if c.Ledger.OddsFloor <= 0 || c.Ledger.OddsCeiling >= 100 || c.Ledger.OddsFloor >= c.Ledger.OddsCeiling {
		errs = append(errs, "ledger: need 0 < odds_floor < odds_ceiling < 100")
	}
	if c.Ledger.OddsStepDown < 0 || c.Ledger.OddsStepUp < 0 {
		errs = append(errs, "ledger: odds steps must be >= 0")
	}
	switch c.Ledger.Resolver {
	case ResolverRandom, ResolverFeed, ResolverNone:
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown resolver %q (valid: random, feed, none)", c.Ledger.Resolver))
	}

	// Store
	switch c.Store.Driver {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case DriverPostgres:
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: sqlite, postgres)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.ServesHTTP() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify: token and chat id travel together.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MaxDeposit parses session.max_deposit. Empty means no cap.
func (c *Config) MaxDeposit() (decimal.Decimal, error) {
	return parseDecimal("session: max_deposit", c.Session.MaxDeposit)
}

// DefaultDeposit parses session.default_deposit.
func (c *Config) DefaultDeposit() (decimal.Decimal, error) {
	return parseDecimal("session: default_deposit", c.Session.DefaultDeposit)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a number", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must not be negative, got %s", field, d)
	}
	return d, nil
}
