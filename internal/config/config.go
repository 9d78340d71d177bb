// Package config loads the service configuration from a TOML file, a .env
// file and POWERHORSE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Duration decodes TOML strings such as "5m" or "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Service     ServiceConfig     `toml:"service"`
	Log         LogConfig         `toml:"log"`
	Auth        AuthConfig        `toml:"auth"`
	Roles       RolesConfig       `toml:"roles"`
	Session     SessionConfig     `toml:"session"`
	Intent      IntentConfig      `toml:"intent"`
	Chain       ChainConfig       `toml:"chain"`
	Sim         SimConfig         `toml:"sim"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Retry       RetryConfig       `toml:"retry"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	DLQ         DLQConfig         `toml:"dlq"`
	Refunder    RefunderConfig    `toml:"refunder"`
}

type ServiceConfig struct {
	HTTPPort          int      `toml:"http_port"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	// Fills per second allowed for each relayer principal.
	FillRate  float64 `toml:"fill_rate"`
	FillBurst int     `toml:"fill_burst"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	MaxBackups int    `toml:"max_backups"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type RolesConfig struct {
	Admin    string `toml:"admin"`
	Relayer  string `toml:"relayer"`
	Executor string `toml:"executor"`
}

type SessionConfig struct {
	MinLock        string   `toml:"min_lock"`
	Duration       Duration `toml:"duration"`
	GracePeriod    Duration `toml:"grace_period"`
	SlippageBps    int64    `toml:"slippage_bps"`
	PurchaseWindow Duration `toml:"purchase_window"`
}

type IntentConfig struct {
	MinDeposit string   `toml:"min_deposit"`
	MaxWindow  Duration `toml:"max_window"`
	// Asset is the deposit token; empty means the native coin.
	Asset string `toml:"asset"`
	// Sizer is "min_units" or "budget".
	Sizer          string   `toml:"sizer"`
	MaxUnits       string   `toml:"max_units"`
	PurchaseWindow Duration `toml:"purchase_window"`
}

type ChainConfig struct {
	RPCURL       string   `toml:"rpc_url"`
	PrivateKey   string   `toml:"private_key"`
	BondingCurve string   `toml:"bonding_curve"`
	Factory      string   `toml:"factory"`
	TxTimeout    Duration `toml:"tx_timeout"`
}

// Enabled reports whether the service should talk to a real chain.
func (c ChainConfig) Enabled() bool {
	return c.PrivateKey != ""
}

// SimConfig seeds the in-process market used when no chain is configured.
type SimConfig struct {
	Account          string     `toml:"account"`
	BasePrice        string     `toml:"base_price"`
	Slope            string     `toml:"slope"`
	FeeBps           int64      `toml:"fee_bps"`
	GraduationSupply string     `toml:"graduation_supply"`
	Horses           []SimHorse `toml:"horses"`
}

type SimHorse struct {
	ID         int64  `toml:"id"`
	Instrument string `toml:"instrument"`
}

type BridgeConfig struct {
	WebhookSecret   string   `toml:"webhook_secret"`
	MaxSkew         Duration `toml:"max_skew"`
	SignatureHeader string   `toml:"signature_header"`
	TimestampHeader string   `toml:"timestamp_header"`
}

type RetryConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	InitialBackoff    Duration `toml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff"`
	BackoffMultiplier int      `toml:"backoff_multiplier"`
}

type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    Duration `toml:"lock_ttl"`
}

type IdempotencyConfig struct {
	// Backend is memory, file, postgres or redis.
	Backend  string   `toml:"backend"`
	FilePath string   `toml:"file_path"`
	Window   Duration `toml:"window"`
}

type DLQConfig struct {
	// Backend is none, file or s3.
	Backend string   `toml:"backend"`
	Dir     string   `toml:"dir"`
	S3      S3Config `toml:"s3"`
}

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type RefunderConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    Duration `toml:"interval"`
	BatchSize   int      `toml:"batch_size"`
	Concurrency int      `toml:"concurrency"`
}

// Validate checks the values main relies on. Load does not call it.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	for name, addr := range map[string]string{
		"roles.admin":    c.Roles.Admin,
		"roles.relayer":  c.Roles.Relayer,
		"roles.executor": c.Roles.Executor,
	} {
		if !isNonZeroAddress(addr) {
			errs = append(errs, fmt.Errorf("%s must be a non-zero address", name))
		}
	}
	if _, err := ParseAmount(c.Session.MinLock); err != nil {
		errs = append(errs, fmt.Errorf("session.min_lock: %w", err))
	}
	if _, err := ParseAmount(c.Intent.MinDeposit); err != nil {
		errs = append(errs, fmt.Errorf("intent.min_deposit: %w", err))
	}
	if c.Session.SlippageBps < 0 || c.Session.SlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("session.slippage_bps %d out of range", c.Session.SlippageBps))
	}
	if c.Intent.Asset != "" && !common.IsHexAddress(c.Intent.Asset) {
		errs = append(errs, fmt.Errorf("intent.asset %q is not an address", c.Intent.Asset))
	}
	switch c.Intent.Sizer {
	case "min_units", "budget":
	default:
		errs = append(errs, fmt.Errorf("intent.sizer %q must be min_units or budget", c.Intent.Sizer))
	}
	if c.Chain.Enabled() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required with a private key"))
		}
		if !common.IsHexAddress(c.Chain.BondingCurve) || !common.IsHexAddress(c.Chain.Factory) {
			errs = append(errs, errors.New("chain.bonding_curve and chain.factory must be addresses"))
		}
		if !isNonZeroAddress(c.Intent.Asset) {
			errs = append(errs, errors.New("intent.asset must be a token address when a chain is configured"))
		}
	}
	switch c.Idempotency.Backend {
	case "memory", "file":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("idempotency.backend postgres requires postgres.dsn"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("idempotency.backend redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q unknown", c.Idempotency.Backend))
	}
	switch c.DLQ.Backend {
	case "none", "file":
	case "s3":
		if c.DLQ.S3.Bucket == "" || c.DLQ.S3.Region == "" {
			errs = append(errs, errors.New("dlq.s3 requires bucket and region"))
		}
	default:
		errs = append(errs, fmt.Errorf("dlq.backend %q unknown", c.DLQ.Backend))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return n, nil
}

func isNonZeroAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
