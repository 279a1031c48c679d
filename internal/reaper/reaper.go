// Package reaper periodically tears down stale sandbox resources.
// Executions whose callers never issued an explicit cleanup would
// otherwise accumulate container remnants and named volumes forever.
package reaper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// Config configures the reaper.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 5m". Default: every five minutes.
	Schedule string

	// MaxAge is how long a resource handle may stay registered before
	// the reaper claims it. Default: 30 minutes.
	MaxAge time.Duration
}

const (
	defaultSchedule = "*/5 * * * *"
	defaultMaxAge   = 30 * time.Minute
)

// Reaper owns the cron entry that sweeps stale executor resources.
type Reaper struct {
	executor *sandbox.Executor
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a reaper. The schedule is validated eagerly so a bad
// expression fails at startup, not at first tick.
func New(cfg Config, exec *sandbox.Executor, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	return &Reaper{
		executor: exec,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}, nil
}

// Start registers the sweep with the cron runner and starts it.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.sweep); err != nil {
		return fmt.Errorf("registering reaper schedule: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reaper started",
		slog.String("schedule", r.schedule),
		slog.Duration("max_age", r.maxAge),
	)
	return nil
}

// Stop halts the cron runner and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("reaper stopped")
}

// RunOnce performs one sweep immediately, outside the schedule.
// Returns the number of handles cleaned.
func (r *Reaper) RunOnce() int {
	return r.executor.CleanupStale(r.maxAge)
}

func (r *Reaper) sweep() {
	cleaned := r.executor.CleanupStale(r.maxAge)
	if cleaned > 0 {
		r.logger.Info("reaper swept stale resources", slog.Int("cleaned", cleaned))
	}
}
