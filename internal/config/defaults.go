package config

import "time"

// Defaults returns a configuration that runs locally against the simulated
// market with in-memory stores.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			HTTPPort:          3000,
			ReadHeaderTimeout: Duration{15 * time.Second},
			ShutdownTimeout:   Duration{30 * time.Second},
			FillRate:          20,
			FillBurst:         40,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxAgeDays: 14,
			MaxBackups: 5,
		},
		Auth: AuthConfig{
			Issuer: "powerhorse",
		},
		Session: SessionConfig{
			MinLock:        "1",
			Duration:       Duration{24 * time.Hour},
			GracePeriod:    Duration{time.Hour},
			SlippageBps:    500,
			PurchaseWindow: Duration{5 * time.Minute},
		},
		Intent: IntentConfig{
			MinDeposit:     "1000",
			MaxWindow:      Duration{24 * time.Hour},
			Sizer:          "min_units",
			PurchaseWindow: Duration{5 * time.Minute},
		},
		Chain: ChainConfig{
			TxTimeout: Duration{2 * time.Minute},
		},
		Sim: SimConfig{
			Account:          "0x00000000000000000000000000000000000e5c40",
			BasePrice:        "1000000000000",
			Slope:            "1000000",
			FeeBps:           100,
			GraduationSupply: "800000000",
		},
		Bridge: BridgeConfig{
			MaxSkew: Duration{5 * time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    Duration{500 * time.Millisecond},
			MaxBackoff:        Duration{5 * time.Second},
			BackoffMultiplier: 2,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			LockTTL: Duration{30 * time.Second},
		},
		Idempotency: IdempotencyConfig{
			Backend:  "memory",
			FilePath: "data/idempotency.json",
			Window:   Duration{24 * time.Hour},
		},
		DLQ: DLQConfig{
			Backend: "file",
			Dir:     "data/dlq",
			S3:      S3Config{Prefix: "dlq/"},
		},
		Refunder: RefunderConfig{
			Enabled:     true,
			Interval:    Duration{time.Minute},
			BatchSize:   100,
			Concurrency: 4,
		},
	}
}
