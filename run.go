package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"strategy-executor/config"
	"strategy-executor/internal/advisory"
	"strategy-executor/internal/api"
	"strategy-executor/internal/auth"
	"strategy-executor/internal/bot"
	"strategy-executor/internal/broker"
	"strategy-executor/internal/cache"
	"strategy-executor/internal/circuit"
	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
	"strategy-executor/internal/events"
	"strategy-executor/internal/filters"
	"strategy-executor/internal/ml"
	"strategy-executor/internal/notification"
	"strategy-executor/internal/platform"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

// run wires every component and blocks until ctx is cancelled. Errors
// returned before the orchestrator starts are startup failures.
func run(ctx context.Context) error {
	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Str("executor_id", cfg.Executor.ID).
		Str("broker", cfg.Broker.Mode).
		Str("database", cfg.Database.Driver).
		Str("advisory", cfg.Advisory.Mode).
		Str("version", version).
		Msg("Starting strategy executor")

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var cacheSvc *cache.Redis
	if cfg.Redis.Enabled {
		cacheSvc, err = cache.NewRedis(cfg.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis cache unavailable, continuing with in-process caches")
			cacheSvc = nil
		} else {
			defer cacheSvc.Close()
		}
	}

	brk := newBroker(cfg, logger)

	gate, err := newGate(cfg, cacheSvc, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	scorer := ml.New(cfg.ML.ModelPath, cfg.ML.LibraryPath, logger)
	if c, ok := scorer.(interface{ Close() }); ok {
		defer c.Close()
	}

	var calendar filters.EventSource
	if cfg.News.CalendarURL != "" {
		calendar = filters.NewHTTPCalendar(cfg.News.CalendarURL, cfg.News.Timeout.Duration)
	}
	var newsShared filters.SharedCache
	if cacheSvc != nil {
		newsShared = cacheSvc.WithPrefix(cache.NewsKey)
	}

	bus := events.NewEventBus()
	notifier := notification.NewManager(cfg.Notification, logger)
	if err := notifier.Subscribe(bus); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe notifications")
	}
	deps := bot.Deps{
		Broker:  brk,
		Store:   store,
		Gate:    gate,
		Scorer:  scorer,
		Chain:   bot.DefaultChain(brk, calendar, newsShared, logger),
		Breaker: circuit.NewBreaker(cfg.CircuitBreaker, bus, logger),
		Bus:     bus,
		Queue:   commands.NewQueue(cfg.Executor.CommandQueueSize),
	}
	if cfg.Platform.Enabled {
		deps.Reporter = platform.NewReporter(platform.Config{
			URL:        cfg.Platform.URL,
			ExecutorID: cfg.Executor.ID,
			APIKey:     cfg.Platform.APIKey,
			Timeout:    cfg.Platform.Timeout.Duration,
		}, logger)
	}
	if cacheSvc != nil {
		deps.StatusCache = cacheSvc
		deps.StatusKey = cache.StatusKey(cfg.Executor.ID)
	}

	orch, err := bot.New(bot.Options{
		ExecutorID:        cfg.Executor.ID,
		TickInterval:      cfg.Executor.TickInterval.Duration,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval.Duration,
		BrokerTimeout:     cfg.Executor.BrokerTimeout.Duration,
		StrategyTimeout:   cfg.Executor.StrategyTimeout.Duration,
		CandleCount:       cfg.Executor.CandleCount,
		ConfirmScore:      cfg.Advisory.ConfirmScore,
	}, deps, logger)
	if err != nil {
		return err
	}

	orch.Restore(ctx)
	startConfigured(ctx, orch, cfg.Strategies, logger)

	var server *api.Server
	if cfg.Server.Enabled {
		var jwt *auth.JWTManager
		if cfg.Auth.JWTSecret != "" {
			jwt = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		} else {
			logger.Warn().Msg("auth.jwt_secret is empty, the API accepts unauthenticated commands")
		}
		server = api.NewServer(cfg.Server, orch, orch.Queue(), store, bus, jwt, logger)
		if err := server.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	if server != nil {
		g.Go(server.Serve)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Executor.ShutdownTimeout.Duration)
			defer cancel()
			return server.Shutdown(sctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Executor stopped with error")
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func newBroker(cfg *config.Config, logger zerolog.Logger) broker.Connector {
	if cfg.Broker.Mode == "bridge" {
		return broker.NewBridge(broker.BridgeConfig{
			URL:         cfg.Broker.BridgeURL,
			APIKey:      cfg.Broker.APIKey,
			Timeout:     cfg.Executor.BrokerTimeout.Duration,
			ReadRetries: 2,
		}, logger)
	}
	return broker.NewPaper(broker.PaperConfig{
		Balance: cfg.Broker.PaperBalance,
		Seed:    cfg.Broker.PaperSeed,
		Symbols: cfg.Broker.Symbols,
	}, logger)
}

func newGate(cfg *config.Config, cacheSvc *cache.Redis, logger zerolog.Logger) (*advisory.Gate, error) {
	var service advisory.Service
	if cfg.Advisory.Mode != config.AdvisoryOff && cfg.Advisory.URL != "" {
		service = advisory.NewClient(advisory.ClientConfig{
			URL:         cfg.Advisory.URL,
			ExecutorID:  cfg.Executor.ID,
			APIKey:      cfg.Advisory.APIKey,
			APISecret:   cfg.Advisory.APISecret,
			Timeout:     cfg.Advisory.Timeout.Duration,
			MaxAttempts: cfg.Advisory.MaxAttempts,
		}, logger)
	} else if cfg.Advisory.Mode != config.AdvisoryOff {
		logger.Warn().Str("mode", cfg.Advisory.Mode).Msg("advisory.url is empty, decisions fall back to allow")
	}

	var shared advisory.SharedCache
	if cacheSvc != nil {
		id := cfg.Executor.ID
		shared = cacheSvc.WithPrefix(func(key string) string { return cache.AdvisoryKey(id, key) })
	}
	return advisory.NewGate(cfg.Advisory.Mode, service, shared, cfg.Advisory.Timeout.Duration, logger)
}

// startConfigured activates the strategy files listed in the config. A bad
// file is logged and skipped.
func startConfigured(ctx context.Context, orch *bot.Orchestrator, entries []config.StrategyEntry, logger zerolog.Logger) {
	for _, e := range entries {
		sc, err := loadStrategyFile(e.File)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.File).Msg("Skipping strategy file")
			continue
		}
		err = orch.StartStrategy(ctx, sc)
		switch {
		case err == nil, errors.Is(err, bot.ErrAlreadyActive):
		default:
			logger.Warn().Err(err).Str("strategy_id", sc.ID).Msg("Failed to start configured strategy")
		}
	}
}
