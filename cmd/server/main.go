package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"powerhorse/internal/audit"
	"powerhorse/internal/auth"
	"powerhorse/internal/config"
	"powerhorse/internal/dlq"
	"powerhorse/internal/guard"
	"powerhorse/internal/idempotency"
	"powerhorse/internal/intent"
	"powerhorse/internal/logging"
	"powerhorse/internal/market"
	"powerhorse/internal/refunder"
	"powerhorse/internal/roles"
	"powerhorse/internal/server"
	"powerhorse/internal/session"
)

// backend is everything the managers call out to.
type backend interface {
	market.PricingSource
	market.Registry
	market.Treasury
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("service stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	mainLog := logging.Component(logger, "main")
	checks := make(map[string]func(context.Context) error)

	mkt, err := newBackend(ctx, cfg, checks)
	if err != nil {
		return err
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		pool, err = newPool(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()
		checks["database"] = pool.Ping
	}

	var lock guard.Guard = guard.NewLocal()
	var redisGuard *guard.Redis
	if cfg.Redis.Addr != "" {
		redisGuard, err = guard.NewRedis(ctx, guard.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLSEnabled,
			TTL:        cfg.Redis.LockTTL.Duration,
		})
		if err != nil {
			return err
		}
		defer redisGuard.Close()
		lock = redisGuard
		checks["redis"] = redisGuard.Ping
	}

	hub := audit.NewHub(logging.Component(logger, "events"))
	sinks := audit.Multi{audit.LogSink{Log: logging.Component(logger, "audit")}, hub}
	if pool != nil {
		pgSink, err := audit.NewPostgresSink(ctx, pool)
		if err != nil {
			return err
		}
		sinks = append(sinks, pgSink)
	}

	registry := roles.NewRegistry(
		common.HexToAddress(cfg.Roles.Admin),
		common.HexToAddress(cfg.Roles.Relayer),
		common.HexToAddress(cfg.Roles.Executor),
		sinks,
		logging.Component(logger, "roles"),
	)

	sessionStore, intentStore, err := newStores(ctx, pool)
	if err != nil {
		return err
	}
	sessions, err := newSessionManager(cfg, mkt, sessionStore, registry, lock, sinks, logging.Component(logger, "sessions"))
	if err != nil {
		return err
	}
	intents, err := newIntentManager(cfg, mkt, intentStore, registry, lock, sinks, logging.Component(logger, "intents"))
	if err != nil {
		return err
	}

	idem, err := newIdempotencyStore(ctx, cfg.Idempotency, pool, redisGuard)
	if err != nil {
		return err
	}
	queue, err := newDLQ(ctx, cfg.DLQ, checks)
	if err != nil {
		return err
	}
	authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Sessions:    sessions,
		Intents:     intents,
		Roles:       registry,
		Auth:        authn,
		Idempotency: idem,
		DLQ:         queue,
		Events:      hub,
		Checks:      checks,
		Log:         logging.Component(logger, "http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout.Duration)
		defer cancel()
		mainLog.Info("shutting down")
		return apiServer.Shutdown(shutdownCtx)
	})
	if cfg.Refunder.Enabled {
		sweeper := refunder.New(refunder.Config{
			Interval:    cfg.Refunder.Interval.Duration,
			BatchSize:   cfg.Refunder.BatchSize,
			Concurrency: cfg.Refunder.Concurrency,
		}, intents, registry, logging.Component(logger, "refunder"))
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, checks map[string]func(context.Context) error) (backend, error) {
	if cfg.Chain.Enabled() {
		eth, err := market.NewEthClient(ctx, market.EthClientConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			BondingCurve:  cfg.Chain.BondingCurve,
			Factory:       cfg.Chain.Factory,
			TxTimeout:     cfg.Chain.TxTimeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("eth client: %w", err)
		}
		checks["rpc"] = eth.Ping
		return eth, nil
	}

	basePrice, err := config.ParseAmount(cfg.Sim.BasePrice)
	if err != nil {
		return nil, fmt.Errorf("sim.base_price: %w", err)
	}
	slope, err := config.ParseAmount(cfg.Sim.Slope)
	if err != nil {
		return nil, fmt.Errorf("sim.slope: %w", err)
	}
	var graduation *big.Int
	if cfg.Sim.GraduationSupply != "" {
		if graduation, err = config.ParseAmount(cfg.Sim.GraduationSupply); err != nil {
			return nil, fmt.Errorf("sim.graduation_supply: %w", err)
		}
	}
	sim := market.NewSim(market.SimConfig{
		Account:          common.HexToAddress(cfg.Sim.Account),
		BasePrice:        basePrice,
		Slope:            slope,
		FeeBps:           cfg.Sim.FeeBps,
		GraduationSupply: graduation,
	})
	for _, h := range cfg.Sim.Horses {
		sim.List(big.NewInt(h.ID), common.HexToAddress(h.Instrument))
	}
	return sim, nil
}

func newPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func newStores(ctx context.Context, pool *pgxpool.Pool) (session.Store, intent.Store, error) {
	if pool == nil {
		return session.NewMemoryStore(), intent.NewMemoryStore(), nil
	}
	sessions, err := session.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, err
	}
	intents, err := intent.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, err
	}
	return sessions, intents, nil
}

func newSessionManager(cfg *config.Config, mkt backend, store session.Store, registry *roles.Registry, lock guard.Guard, events audit.Sink, log *logrus.Entry) (*session.Manager, error) {
	minLock, err := config.ParseAmount(cfg.Session.MinLock)
	if err != nil {
		return nil, fmt.Errorf("session.min_lock: %w", err)
	}
	return session.NewManager(session.Config{
		MinLock:        minLock,
		Duration:       cfg.Session.Duration.Duration,
		GracePeriod:    cfg.Session.GracePeriod.Duration,
		SlippageBps:    cfg.Session.SlippageBps,
		PurchaseWindow: cfg.Session.PurchaseWindow.Duration,
	}, session.Deps{
		Store:    store,
		Pricing:  mkt,
		Treasury: mkt,
		Roles:    registry,
		Guard:    lock,
		Events:   events,
		Log:      log,
	}), nil
}

func newIntentManager(cfg *config.Config, mkt backend, store intent.Store, registry *roles.Registry, lock guard.Guard, events audit.Sink, log *logrus.Entry) (*intent.Manager, error) {
	minDeposit, err := config.ParseAmount(cfg.Intent.MinDeposit)
	if err != nil {
		return nil, fmt.Errorf("intent.min_deposit: %w", err)
	}
	asset := market.Native
	if cfg.Intent.Asset != "" {
		asset = common.HexToAddress(cfg.Intent.Asset)
	}

	var sizer intent.Sizer = intent.MinUnitsSizer{}
	if cfg.Intent.Sizer == "budget" {
		budget := intent.BudgetSizer{}
		if cfg.Intent.MaxUnits != "" {
			if budget.MaxUnits, err = config.ParseAmount(cfg.Intent.MaxUnits); err != nil {
				return nil, fmt.Errorf("intent.max_units: %w", err)
			}
		}
		sizer = budget
	}

	return intent.NewManager(intent.Config{
		MinDeposit:     minDeposit,
		MaxWindow:      cfg.Intent.MaxWindow.Duration,
		Asset:          asset,
		Sizer:          sizer,
		PurchaseWindow: cfg.Intent.PurchaseWindow.Duration,
	}, intent.Deps{
		Store:    store,
		Pricing:  mkt,
		Registry: mkt,
		Treasury: mkt,
		Roles:    registry,
		Guard:    lock,
		Events:   events,
		Log:      log,
	}), nil
}

func newIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, pool *pgxpool.Pool, rg *guard.Redis) (idempotency.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return idempotency.NewMemoryStore(), nil
	case "file":
		return idempotency.NewFileStore(cfg.FilePath)
	case "postgres":
		if pool == nil {
			return nil, errors.New("idempotency backend postgres needs postgres.dsn")
		}
		return idempotency.NewPostgresStore(ctx, pool)
	case "redis":
		if rg == nil {
			return nil, errors.New("idempotency backend redis needs redis.addr")
		}
		return idempotency.NewRedisStore(rg.Client()), nil
	}
	return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
}

func newDLQ(ctx context.Context, cfg config.DLQConfig, checks map[string]func(context.Context) error) (dlq.Queue, error) {
	switch cfg.Backend {
	case "none":
		return dlq.Discard{}, nil
	case "", "file":
		return dlq.NewFileQueue(cfg.Dir)
	case "s3":
		q, err := dlq.NewS3Queue(ctx, dlq.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		checks["dlq"] = q.Ping
		return q, nil
	}
	return nil, fmt.Errorf("unknown dlq backend %q", cfg.Backend)
}
