/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleConfig names the cron specs the scheduler registers.
type ScheduleConfig struct {
	AccrualJobSchedule      string
	AccrualRetryJobSchedule string
	Location                *time.Location
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger logrus.FieldLogger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger logrus.FieldLogger, cfg ScheduleConfig) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.AccrualJobSchedule, s.jobs.RunDailyAccrual); err != nil {
		s.logger.WithError(err).Error("failed to schedule daily accrual job")
		return err
	}
	s.logger.WithField("schedule", s.config.AccrualJobSchedule).Info("scheduled daily accrual job")

	if retry := strings.TrimSpace(s.config.AccrualRetryJobSchedule); retry != "" {
		if _, err := s.cron.AddFunc(retry, s.jobs.RunDailyAccrual); err != nil {
			s.logger.WithError(err).Error("failed to schedule daily accrual retry job")
		} else {
			s.logger.WithField("schedule", retry).Info("scheduled daily accrual retry job")
		}
	}

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
