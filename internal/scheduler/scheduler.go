package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/barcalendar/eventcore/internal/config"
	"github.com/barcalendar/eventcore/internal/eventmanager"
	"github.com/barcalendar/eventcore/internal/ingestion"
)

// Sweeper runs the retention sweep.
type Sweeper interface {
	RunSweep(ctx context.Context, ops []eventmanager.Operation) eventmanager.SweepResult
}

// FeedPuller ingests one registered iCalendar feed.
type FeedPuller interface {
	Pull(ctx context.Context, feed ingestion.FeedSource) (ingestion.IngestResult, error)
}

const (
	sweepTimeout = 10 * time.Minute
	feedTimeout  = 5 * time.Minute
)

// Scheduler drives the periodic sweep and feed pulls off cron expressions.
// A job that is still running when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	puller  FeedPuller
	config  config.SweepConfig
	logger  *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// New registers the sweep and one job per feed. puller may be nil when no
// feeds are configured.
func New(sweeper Sweeper, puller FeedPuller, sweep config.SweepConfig, feeds []config.FeedConfig, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		sweeper: sweeper,
		puller:  puller,
		config:  sweep,
		logger:  logger,
		baseCtx: context.Background(),
	}

	if sweep.Schedule != "" {
		if _, err := s.cron.AddFunc(sweep.Schedule, func() { s.runSweep(s.context()) }); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", sweep.Schedule, err)
		}
	}

	if len(feeds) > 0 && puller == nil {
		return nil, fmt.Errorf("feeds configured without a feed puller")
	}
	for _, feed := range feeds {
		source := ingestion.FeedSource{
			Name:    feed.Name,
			URL:     feed.URL,
			Trusted: feed.Trusted,
			Horizon: time.Duration(feed.HorizonDays) * 24 * time.Hour,
		}
		if _, err := s.cron.AddFunc(feed.Schedule, func() { s.pullFeed(s.context(), source) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for feed %s: %w", feed.Schedule, feed.Name, err)
		}
	}

	return s, nil
}

// Start begins running jobs in the background. Jobs inherit ctx; cancelling
// it aborts in-flight work but Stop is still needed to halt the cron loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting scheduler", "jobs", len(s.cron.Entries()), "sweep_schedule", s.config.Schedule)
	s.cron.Start()

	if s.config.OnStart {
		go s.runSweep(ctx)
	}
}

// Stop halts the cron loop and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Stopping scheduler")
	return s.cron.Stop()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	result := s.sweeper.RunSweep(ctx, nil)
	s.logger.Info("Scheduled sweep finished",
		"total", result.Total(),
		"duration_ms", result.DurationMs,
	)
}

func (s *Scheduler) pullFeed(ctx context.Context, feed ingestion.FeedSource) {
	ctx, cancel := context.WithTimeout(ctx, feedTimeout)
	defer cancel()

	result, err := s.puller.Pull(ctx, feed)
	if err != nil {
		s.logger.Error("Scheduled feed pull failed", "source", feed.SourceName(), "error", err)
		return
	}
	s.logger.Info("Scheduled feed pull finished",
		"source", feed.SourceName(),
		"created", result.Created,
		"updated", result.Updated,
		"failed", result.Failed,
	)
}

// cronLogger routes cron's own diagnostics through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
