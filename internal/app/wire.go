package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "pmbot/internal/blob/s3"
	"pmbot/internal/broker"
	"pmbot/internal/cache/redis"
	"pmbot/internal/config"
	"pmbot/internal/confirm"
	"pmbot/internal/coord"
	"pmbot/internal/domain"
	"pmbot/internal/engine"
	"pmbot/internal/eod"
	"pmbot/internal/executor"
	"pmbot/internal/notify"
	"pmbot/internal/portfolio"
	"pmbot/internal/rollover"
	"pmbot/internal/server"
	"pmbot/internal/server/handler"
	"pmbot/internal/server/middleware"
	"pmbot/internal/server/ws"
	"pmbot/internal/sizing"
	"pmbot/internal/store/postgres"
	"pmbot/internal/validate"
)

// Dependencies bundles every wired component the application runs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Postgres *postgres.Client
	Redis    *redis.Client

	Signals domain.SignalStore
	Book    *portfolio.Book

	Broker      domain.Broker
	Coordinator *coord.Coordinator
	Engine      *engine.Engine
	Confirm     *confirm.Manager
	Telegram    *confirm.TelegramChannel
	Notifier    *notify.Notifier
	Hub         *ws.Hub
	Server      *server.Server
	EOD         *eod.Scheduler
	Rollover    *rollover.Engine
	Archiver    *s3blob.Archiver
}

// Wire constructs the full dependency graph from the configuration. The
// returned cleanup releases connections in reverse order and must be called
// on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// Postgres is the durable source of truth and always required.
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)
	deps.Postgres = pg

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	signals := postgres.NewSignalStore(pg)
	positions := postgres.NewPositionStore(pg)
	state := postgres.NewPortfolioStore(pg)
	instances := postgres.NewInstanceStore(pg)
	deps.Signals = signals

	// Redis backs the leader lock and the webhook rate limit. When disabled
	// the coordinator runs fail-closed as a permanent follower.
	var (
		lock    domain.LeaderLock
		limiter middleware.Limiter
	)
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		lock = redis.NewLeaderLock(rc)
		limiter = redis.NewRateLimiter(rc)
	}

	instanceID, err := coord.LoadInstanceID(cfg.Coordinator.IdentityFile)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: instance identity: %w", err)
	}

	notifier := notify.FromConfig(cfg.Notify, logger)
	deps.Notifier = notifier

	coordinator := coord.New(cfg.Coordinator, lock, instances, notifier, instanceID, logger)
	deps.Coordinator = coordinator

	brokerClient := broker.NewClient(cfg.Broker, logger)
	deps.Broker = brokerClient

	book := portfolio.New(cfg.Risk, cfg.Instruments, positions, state, logger)
	deps.Book = book

	// Trading pipeline.
	validator := validate.New(cfg.Validation, brokerClient, logger)
	sizer := sizing.New(cfg.Risk, logger)
	dedupWindow := time.Duration(cfg.Validation.DedupWindowSeconds) * time.Second
	dedup := executor.NewDedup(dedupWindow, signals, logger)
	limit := executor.NewLimitExecutor(brokerClient, executor.PlanFromConfig(cfg.Execution), logger)
	synthetic := executor.NewSyntheticExecutor(brokerClient, limit, notifier, logger)

	if cfg.Confirm.TelegramToken != "" && cfg.Confirm.TelegramChatID != "" {
		deps.Telegram = confirm.NewTelegramChannel(cfg.Confirm.TelegramToken, cfg.Confirm.TelegramChatID, logger)
	}
	confirmer := confirm.New(cfg.Confirm, deps.Telegram, logger)
	deps.Confirm = confirmer

	hub := ws.NewHub(instanceID, logger)
	deps.Hub = hub

	eng := engine.New(engine.Deps{
		Risk:        cfg.Risk,
		Instruments: cfg.Instruments,
		TestMode:    cfg.TestMode,
		Validator:   validator,
		Sizer:       sizer,
		Book:        book,
		Broker:      brokerClient,
		Dedup:       dedup,
		Limit:       limit,
		Synthetic:   synthetic,
		Confirmer:   confirmer,
		Signals:     signals,
		Events:      hub,
		Logger:      logger,
	})
	deps.Engine = eng

	// Rollover trades on its own tighter retry schedule.
	rollLimit := executor.NewLimitExecutor(brokerClient, executor.RolloverPlan(cfg.Rollover), logger)
	rollSynth := executor.NewSyntheticExecutor(brokerClient, rollLimit, notifier, logger)
	roll := rollover.New(cfg.Rollover, cfg.Instruments, book, brokerClient, rollLimit, rollSynth, notifier, logger)
	roll.SetGate(coordinator.IsLeader)
	deps.Rollover = roll

	deps.EOD = eod.New(cfg.EOD, cfg.Instruments, leaderRunner{
		coordinator: coordinator,
		engine:      eng,
		logger:      logger.With(slog.String("component", "eod")),
	}, logger)

	// Audit cold storage.
	health := map[string]handler.Pinger{
		"postgres": func(ctx context.Context) error { return pg.Pool().Ping(ctx) },
	}
	if deps.Redis != nil {
		health["redis"] = deps.Redis.Ping
	}
	if cfg.Archive.Enabled {
		s3c, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		store := s3blob.NewStore(s3c)
		deps.Archiver = s3blob.NewArchiver(signals, store, coordinator, cfg.Archive, logger)
		health["s3"] = s3c.Health
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(health, logger),
		Webhook: handler.NewWebhookHandler(eng, coordinator, eng.Dedup(), cfg.Server.WebhookSecret, logger),
		Status:  handler.NewStatusHandler(coordinator, book, time.Now().UTC(), logger),
	}
	deps.Server = server.New(cfg.Server, handlers, hub, limiter, logger)

	return deps, cleanup, nil
}

// leaderRunner runs pre-close phases only while this instance leads;
// followers log and skip so a failover mid-sequence cannot double-trade.
type leaderRunner struct {
	coordinator *coord.Coordinator
	engine      *engine.Engine
	logger      *slog.Logger
}

func (r leaderRunner) RunPhase(ctx context.Context, instrument string, phase eod.Phase, closeAt time.Time) error {
	if !r.coordinator.IsLeader() {
		r.logger.Info("skipping pre-close phase on follower",
			slog.String("instrument", instrument),
			slog.String("phase", string(phase)),
		)
		return nil
	}
	return r.engine.RunPhase(ctx, instrument, phase, closeAt)
}
