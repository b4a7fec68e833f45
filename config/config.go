package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stellar/go/strkey"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Operator   OperatorConfig   `mapstructure:"operator"`
	Payment    PaymentConfig    `mapstructure:"payment"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Sale       SaleConfig       `mapstructure:"sale"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection URL. Credentials are escaped, so
// passwords may contain reserved characters.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.DBName,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// JWTConfig configures validation of buyer bearer tokens issued by the
// external auth service.
type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

// OperatorConfig holds the HMAC credentials for operator endpoints.
type OperatorConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type PaymentConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Currency         string        `mapstructure:"currency"`
}

// SettlementConfig configures the custodial signer that moves tokens out of
// the treasury account, and the in-process queue feeding it.
type SettlementConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	TreasuryAccount string        `mapstructure:"treasury_account"`
	Network         string        `mapstructure:"network"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

const (
	// settleAttemptCalls is the number of settlement backend calls one attempt
	// makes while holding its claim (lookup, balance, transfer). Each is
	// bounded by transfer_timeout.
	settleAttemptCalls = 3
	// stuckMargin separates the longest live attempt from a stuck one.
	stuckMargin = 30 * time.Second
)

// MinStuckAfter is the shortest reconcile.stuck_after that cannot mistake a
// settlement attempt still in flight for a stalled one.
func (s SettlementConfig) MinStuckAfter() time.Duration {
	return settleAttemptCalls*s.TransferTimeout + stuckMargin
}

type SaleConfig struct {
	Timezone string        `mapstructure:"timezone"`
	Tokens   []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig declares one token on sale. Money values are decimal strings.
type TokenConfig struct {
	Symbol         string `mapstructure:"symbol"`
	Name           string `mapstructure:"name"`
	AssetCode      string `mapstructure:"asset_code"`
	AssetIssuer    string `mapstructure:"asset_issuer"`
	PricePerToken  string `mapstructure:"price_per_token"`
	MinPurchase    string `mapstructure:"min_purchase"`
	MaxPurchase    string `mapstructure:"max_purchase"`
	MinTokenAmount int64  `mapstructure:"min_token_amount"`
	MaxTokenAmount int64  `mapstructure:"max_token_amount"`
	DailyLimit     string `mapstructure:"daily_limit"`
	Active         bool   `mapstructure:"active"`
}

type ReconcileConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequeueAfter   time.Duration `mapstructure:"requeue_after"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`
	AutoRetry      bool          `mapstructure:"auto_retry"`
	MaxAutoRetries int           `mapstructure:"max_auto_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	BatchSize      int           `mapstructure:"batch_size"`
}

type RateLimitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	IntentsLimit   int64         `mapstructure:"intents_limit"`
	IntentsWindow  time.Duration `mapstructure:"intents_window"`
	OperatorLimit  int64         `mapstructure:"operator_limit"`
	OperatorWindow time.Duration `mapstructure:"operator_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Location resolves the sale timezone used for daily spend windows.
func (s SaleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: TSS_ (Token Sale Settlement).
// Nested keys use underscore: TSS_DATABASE_HOST, TSS_PAYMENT_WEBHOOK_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "token_sale")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "500ms")
	v.SetDefault("redis.write_timeout", "500ms")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "token-sale-auth")
	v.SetDefault("operator.access_key", "")
	v.SetDefault("operator.secret_key", "")
	v.SetDefault("payment.base_url", "https://api.stripe.com")
	v.SetDefault("payment.api_key", "")
	v.SetDefault("payment.webhook_secret", "")
	v.SetDefault("payment.webhook_tolerance", "5m")
	v.SetDefault("payment.timeout", "15s")
	v.SetDefault("payment.currency", "usd")
	v.SetDefault("settlement.base_url", "http://localhost:8700")
	v.SetDefault("settlement.api_key", "")
	v.SetDefault("settlement.treasury_account", "")
	v.SetDefault("settlement.network", "testnet")
	v.SetDefault("settlement.transfer_timeout", "30s")
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.queue_size", 1024)
	v.SetDefault("settlement.shutdown_timeout", "30s")
	v.SetDefault("sale.timezone", "UTC")
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.requeue_after", "2m")
	v.SetDefault("reconcile.stuck_after", "15m")
	v.SetDefault("reconcile.auto_retry", false)
	v.SetDefault("reconcile.max_auto_retries", 3)
	v.SetDefault("reconcile.retry_backoff", "10m")
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.intents_limit", 20)
	v.SetDefault("ratelimit.intents_window", "1m")
	v.SetDefault("ratelimit.operator_limit", 60)
	v.SetDefault("ratelimit.operator_window", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: TSS_DATABASE_HOST -> database.host
	v.SetEnvPrefix("TSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Payment.APIKey == "" {
		errs = append(errs, errors.New("payment.api_key is required"))
	}
	if c.Payment.WebhookSecret == "" {
		errs = append(errs, errors.New("payment.webhook_secret is required"))
	}
	if c.Operator.AccessKey == "" || c.Operator.SecretKey == "" {
		errs = append(errs, errors.New("operator.access_key and operator.secret_key are required"))
	}
	if c.Settlement.APIKey == "" {
		errs = append(errs, errors.New("settlement.api_key is required"))
	}
	if !strkey.IsValidEd25519PublicKey(c.Settlement.TreasuryAccount) {
		errs = append(errs, fmt.Errorf("settlement.treasury_account %q is not a valid account id", c.Settlement.TreasuryAccount))
	}
	if c.Settlement.Workers < 1 {
		errs = append(errs, errors.New("settlement.workers must be at least 1"))
	}
	if c.Settlement.TransferTimeout <= 0 {
		errs = append(errs, errors.New("settlement.transfer_timeout must be positive"))
	}
	switch {
	case c.Reconcile.StuckAfter <= 0:
		errs = append(errs, errors.New("reconcile.stuck_after must be positive"))
	case c.Settlement.TransferTimeout > 0 && c.Reconcile.StuckAfter <= c.Settlement.MinStuckAfter():
		errs = append(errs, fmt.Errorf("reconcile.stuck_after %s must exceed %s (3 x settlement.transfer_timeout + %s)",
			c.Reconcile.StuckAfter, c.Settlement.MinStuckAfter(), stuckMargin))
	}
	if _, err := c.Sale.Location(); err != nil {
		errs = append(errs, fmt.Errorf("sale.timezone: %w", err))
	}

	for i, tc := range c.Sale.Tokens {
		if err := tc.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sale.tokens[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func (t TokenConfig) validate() error {
	if t.Symbol == "" || t.AssetCode == "" {
		return errors.New("symbol and asset_code are required")
	}
	if t.AssetIssuer != "" && !strkey.IsValidEd25519PublicKey(t.AssetIssuer) {
		return fmt.Errorf("asset_issuer %q is not a valid account id", t.AssetIssuer)
	}
	for name, raw := range map[string]string{
		"price_per_token": t.PricePerToken,
		"min_purchase":    t.MinPurchase,
		"max_purchase":    t.MaxPurchase,
		"daily_limit":     t.DailyLimit,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if name == "price_per_token" && !d.IsPositive() {
			return errors.New("price_per_token must be positive")
		}
	}
	if t.MinTokenAmount < 0 || t.MaxTokenAmount < t.MinTokenAmount {
		return errors.New("token amount bounds are inconsistent")
	}
	return nil
}
