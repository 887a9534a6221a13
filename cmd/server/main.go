package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/barcalendar/eventcore/internal/api"
	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/database"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/ingestion"
	"github.com/barcalendar/eventcore/internal/logging"
	"github.com/barcalendar/eventcore/internal/metrics"
	"github.com/barcalendar/eventcore/internal/notify"
	"github.com/barcalendar/eventcore/internal/scheduler"
	"github.com/barcalendar/eventcore/internal/server"
)

// errorLog is satisfied by both the Postgres and the in-memory error logs.
type errorLog interface {
	ingestion.ErrorLog
	api.ErrorLogReader
}

type activityLog interface {
	ingestion.ActivityLogger
	api.ActivityReader
}

type stores struct {
	events   ingestion.EventStore
	errors   errorLog
	activity activityLog
	health   func(ctx context.Context) error
	db       *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting eventcore")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	feeds, err := config.LoadFeeds(cfg.FeedsFile)
	if err != nil {
		logger.Error("failed to load feeds", "error", err)
		os.Exit(1)
	}

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Notify.RedisURL != "" {
		redisPublisher, err := notify.NewRedisPublisher(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
	} else {
		logger.Info("REDIS_URL not set, lifecycle notifications disabled")
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	merger := ingestion.NewMerger(st.events, st.errors, st.activity, publisher, collector, logger,
		ingestion.MergerConfig{StoreTimeout: cfg.Store.Timeout})
	feedIngester := ingestion.NewFeedIngester(
		ingestion.NewFeedFetcher(nil, ingestion.DefaultRetryPolicy(), logger),
		merger, st.errors, logger,
	)
	manager := eventmanager.NewManager(st.events, st.activity, publisher, collector, logger,
		eventmanager.ManagerConfig{StoreTimeout: cfg.Store.Timeout})

	sweepConfig := eventmanager.DefaultSweeperConfig()
	sweepConfig.StoreTimeout = cfg.Store.Timeout
	sweeper := eventmanager.NewSweeper(st.events, manager, st.activity, collector, logger, sweepConfig)

	sched, err := scheduler.New(sweeper, feedIngester, cfg.Sweep, feeds, logger)
	if err != nil {
		logger.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}

	if cfg.Auth.IngestSecret == "" {
		logger.Warn("INGEST_SECRET not set, every ingest is untrusted")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set, moderation endpoints are disabled")
	}

	handler := api.NewRouter(api.Dependencies{
		Manager:  manager,
		Sweeper:  sweeper,
		Merger:   merger,
		Feeds:    feedIngester,
		Errors:   st.errors,
		Activity: st.activity,
		Auth:     cfg.Auth,
		Metrics:  collector,
		Health:   st.health,
		Logger:   logger,
	})

	srv := server.New(cfg.Server, logger, handler)

	sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	<-sched.Stop().Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openStores connects to Postgres when configured and falls back to the
// in-memory stores otherwise.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	logger.Info("database configuration", "config", cfg.Database.Redacted())

	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory store")
		return stores{
			events:   ingestion.NewMemoryEventStore(),
			errors:   ingestion.NewMemoryErrorLog(),
			activity: ingestion.NewMemoryActivityLog(),
		}, nil
	}

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.Database.URL
	dbConfig.MaxConnections = cfg.Database.MaxConnections

	logger.Info("connecting to database")
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		return stores{}, err
	}
	logger.Info("database connected")

	if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsDir, logger); err != nil {
		db.Close()
		return stores{}, err
	}

	return stores{
		events:   database.NewPostgresEventStore(db),
		errors:   database.NewPostgresIngestionErrorRepository(db),
		activity: database.NewActivityLogRepository(db),
		health:   func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
		db:       db,
	}, nil
}
