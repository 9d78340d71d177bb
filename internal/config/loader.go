package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "POWERHORSE_"

// Load decodes path over Defaults, loads .env if present and applies
// environment overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Service.HTTPPort, "HTTP_PORT")
	setFloat64(&cfg.Service.FillRate, "FILL_RATE")
	setInt(&cfg.Service.FillBurst, "FILL_BURST")

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")
	setStr(&cfg.Log.File, "LOG_FILE")

	setStr(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "JWT_ISSUER")

	setStr(&cfg.Roles.Admin, "ADMIN_ADDRESS")
	setStr(&cfg.Roles.Relayer, "RELAYER_ADDRESS")
	setStr(&cfg.Roles.Executor, "EXECUTOR_ADDRESS")

	setStr(&cfg.Session.MinLock, "SESSION_MIN_LOCK")
	setDuration(&cfg.Session.Duration, "SESSION_DURATION")
	setDuration(&cfg.Session.GracePeriod, "SESSION_GRACE_PERIOD")
	setInt64(&cfg.Session.SlippageBps, "SESSION_SLIPPAGE_BPS")

	setStr(&cfg.Intent.MinDeposit, "INTENT_MIN_DEPOSIT")
	setDuration(&cfg.Intent.MaxWindow, "INTENT_MAX_WINDOW")
	setStr(&cfg.Intent.Asset, "INTENT_ASSET")
	setStr(&cfg.Intent.Sizer, "INTENT_SIZER")

	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setStr(&cfg.Chain.PrivateKey, "CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.BondingCurve, "CHAIN_BONDING_CURVE")
	setStr(&cfg.Chain.Factory, "CHAIN_FACTORY")

	setStr(&cfg.Bridge.WebhookSecret, "BRIDGE_WEBHOOK_SECRET")
	setDuration(&cfg.Bridge.MaxSkew, "BRIDGE_MAX_SKEW")

	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")

	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	setStr(&cfg.Idempotency.Backend, "IDEMPOTENCY_BACKEND")
	setStr(&cfg.Idempotency.FilePath, "IDEMPOTENCY_FILE_PATH")

	setStr(&cfg.DLQ.Backend, "DLQ_BACKEND")
	setStr(&cfg.DLQ.Dir, "DLQ_DIR")
	setStr(&cfg.DLQ.S3.Endpoint, "DLQ_S3_ENDPOINT")
	setStr(&cfg.DLQ.S3.Region, "DLQ_S3_REGION")
	setStr(&cfg.DLQ.S3.Bucket, "DLQ_S3_BUCKET")
	setStr(&cfg.DLQ.S3.AccessKey, "DLQ_S3_ACCESS_KEY")
	setStr(&cfg.DLQ.S3.SecretKey, "DLQ_S3_SECRET_KEY")

	setBool(&cfg.Refunder.Enabled, "REFUNDER_ENABLED")
	setDuration(&cfg.Refunder.Interval, "REFUNDER_INTERVAL")
}

// Each helper only writes dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
