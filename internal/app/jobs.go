/**
 * @description
 * Scheduled job implementations for the accrual-service.
 */
package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// AccrualRunner is implemented by Engine.
type AccrualRunner interface {
	RunDailyAccrual(ctx context.Context, asOf time.Time) (*RunReport, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner     AccrualRunner
	logger     logrus.FieldLogger
	runTimeout time.Duration
	now        func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner AccrualRunner, logger logrus.FieldLogger, runTimeout time.Duration) *Jobs {
	return &Jobs{
		runner:     runner,
		logger:     logger,
		runTimeout: runTimeout,
		now:        time.Now,
	}
}

// RunDailyAccrual settles today. Users cut off by the timeout are picked up by the next run.
func (j *Jobs) RunDailyAccrual() {
	j.logger.Info("starting daily accrual job")

	ctx := context.Background()
	if j.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.runTimeout)
		defer cancel()
	}

	report, err := j.runner.RunDailyAccrual(ctx, j.now())
	if err != nil {
		j.logger.WithError(err).Error("daily accrual job failed")
		return
	}
	if report.UsersFailed > 0 || report.Interrupted {
		j.logger.WithFields(logrus.Fields{
			"users_failed": report.UsersFailed,
			"interrupted":  report.Interrupted,
		}).Warn("daily accrual job finished with users left for the next run")
		return
	}

	j.logger.Info("daily accrual job finished")
}
