/*
scheduler.go - Automated billing scheduler

PURPOSE:
  Runs monthly charge generation and the daily overdue sweep on cron
  schedules, so an operator only has to call the HTTP endpoints for reruns.

DESIGN:
  - robfig/cron with SkipIfStillRunning: a slow run never overlaps itself
  - Generation targets the period containing "now" in the configured zone
  - The sweep uses today's date; re-running it is harmless
  - Jobs never panic the process; Recover is in the chain

CONFIGURATION:
  - GenerationSpec: default "5 0 1 * *" (00:05 on the 1st)
  - SweepSpec:      default "15 0 * * *" (00:15 daily)
  - Location:       time zone the specs are read in

USAGE:
  s, err := NewBillingScheduler(cfg)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - handlers.go: Generate and Sweep endpoints (manual runs)
  - billing/generator.go, billing/sweeper.go
*/
package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/estate-billing/billing"
)

// SchedulerConfig wires a BillingScheduler.
type SchedulerConfig struct {
	Generator      *billing.Generator
	Sweeper        *billing.OverdueSweeper
	Clock          billing.Clock
	Log            *zap.Logger
	GenerationSpec string
	SweepSpec      string
	Location       *time.Location

	// JobTimeout bounds a single run. Zero means one hour.
	JobTimeout time.Duration
}

// BillingScheduler triggers generation and the overdue sweep on a schedule.
type BillingScheduler struct {
	cfg  SchedulerConfig
	cron *cron.Cron
	log  *zap.Logger
}

// NewBillingScheduler validates both cron specs and registers the jobs.
func NewBillingScheduler(cfg SchedulerConfig) (*BillingScheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = billing.SystemClock{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}

	s := &BillingScheduler{cfg: cfg, log: cfg.Log.Named("scheduler")}
	logger := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := s.cron.AddFunc(cfg.GenerationSpec, s.RunGeneration); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.SweepSpec, s.RunSweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the scheduler.
func (s *BillingScheduler) Start() {
	s.cron.Start()
	s.log.Info("started",
		zap.String("generation", s.cfg.GenerationSpec),
		zap.String("sweep", s.cfg.SweepSpec),
		zap.String("location", s.cfg.Location.String()))
}

// Stop stops scheduling new runs. The returned context is done once running
// jobs have finished.
func (s *BillingScheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info("stopped")
	return ctx
}

// RunGeneration generates charges for the current period.
func (s *BillingScheduler) RunGeneration() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	period := billing.PeriodOf(s.cfg.Clock.Now().In(s.cfg.Location))
	report, err := s.cfg.Generator.Generate(ctx, period)
	if err != nil {
		s.log.Error("generation failed", zap.Stringer("period", period), zap.Error(err))
		return
	}
	s.log.Info("generation completed",
		zap.Stringer("period", period),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped),
		zap.Int("ineligible", report.Ineligible),
		zap.Int("failed", report.Failed))
}

// RunSweep marks charges due before today as overdue.
func (s *BillingScheduler) RunSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	asOf := billing.DateOf(s.cfg.Clock.Now().In(s.cfg.Location))
	n, err := s.cfg.Sweeper.Sweep(ctx, asOf)
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	s.log.Info("sweep completed", zap.Int("overdue", n))
}

// Next returns the next activation of each job.
func (s *BillingScheduler) Next() []time.Time {
	entries := s.cron.Entries()
	next := make([]time.Time, len(entries))
	for i, e := range entries {
		next[i] = e.Next
	}
	return next
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("fields", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("fields", keysAndValues))
}
