/**
 * @description
 * Cron scheduler setup for the reconcile and sweep jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/transfa/payment-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.jobs.ReconcilePayments); err != nil {
		s.logger.Error("failed to schedule payment reconcile job", "error", err)
	} else {
		s.logger.Info("scheduled payment reconcile job", "schedule", s.config.ReconcileSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.SweepSchedule, s.jobs.SweepExpired); err != nil {
		s.logger.Error("failed to schedule sweep job", "error", err)
	} else {
		s.logger.Info("scheduled sweep job", "schedule", s.config.SweepSchedule)
	}

	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
