// Command sweep runs the retention sweep once and exits. It is meant for an
// external scheduler such as a Kubernetes CronJob or Cloud Scheduler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/database"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/logging"
	"github.com/barcalendar/eventcore/internal/notify"
)

func main() {
	ops := flag.String("ops", "", "comma-separated sweep operations (past,cancelled,denied,duplicates); empty runs all")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall sweep deadline")
	flag.Parse()

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

	var names []string
	if *ops != "" {
		names = strings.Split(*ops, ",")
	}
	operations, err := eventmanager.ParseOperations(names)
	if err != nil {
		logger.Error("invalid -ops", "error", err)
		os.Exit(2)
	}

	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL or INSTANCE_CONNECTION_NAME is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.Database.URL
	dbConfig.MaxConnections = 2
	db, err := database.Connect(ctx, dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var publisher notify.Publisher = notify.NopPublisher{}
	if cfg.Notify.RedisURL != "" {
		redisPublisher, err := notify.NewRedisPublisher(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, logger)
		if err != nil {
			logger.Warn("redis unavailable, notifications disabled", "error", err)
		} else {
			defer redisPublisher.Close()
			publisher = redisPublisher
		}
	}

	store := database.NewPostgresEventStore(db)
	activity := database.NewActivityLogRepository(db)
	managerConfig := eventmanager.ManagerConfig{StoreTimeout: cfg.Store.Timeout}
	manager := eventmanager.NewManager(store, activity, publisher, nil, logger, managerConfig)

	sweepConfig := eventmanager.DefaultSweeperConfig()
	sweepConfig.StoreTimeout = cfg.Store.Timeout
	sweeper := eventmanager.NewSweeper(store, manager, activity, nil, logger, sweepConfig)

	result := sweeper.RunSweep(ctx, operations)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("failed to encode result", "error", err)
	}

	for _, op := range result.Operations {
		if op.Error != "" || op.Skipped {
			os.Exit(1)
		}
	}
}
