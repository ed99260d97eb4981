/**
 * @description
 * The daily accrual engine. It walks every user holding an active position (or a
 * stale mirror), evaluates the day's gains and maturities, commits each user
 * atomically and emits notifications after the commit.
 *
 * @notes
 * - Users are independent: a failure for one user is recorded in the report and
 *   never stops or rolls back the others.
 * - Commits are optimistic. A version conflict reloads the user and re-evaluates;
 *   the re-evaluation sees the new lastGainDate and becomes a no-op when another
 *   runner already settled the day.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/recoverly/accrual-service/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxReportedErrors = 50

// AccrualStore defines the persistence operations the engine needs.
type AccrualStore interface {
	ListAccrualCandidates(ctx context.Context, afterID string, limit int) ([]string, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CommitUserAccrual(ctx context.Context, accrual domain.UserAccrual) error
	RecordPositionIssues(ctx context.Context, issues []domain.PositionIssue) error
}

// Notifier hands an event to delivery. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// UserLocker provides optional cross-process mutual exclusion per user.
type UserLocker interface {
	TryLock(ctx context.Context, userID string) (release func(), acquired bool, err error)
}

// EngineOptions tunes a run.
type EngineOptions struct {
	Workers       int
	PageSize      int
	MaxUsers      int // 0 means no count cutoff
	CommitRetries int
	Location      *time.Location
	Now           func() time.Time
}

// RunError is one per-user failure kept in the report.
type RunError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// RunReport summarises one invocation of RunDailyAccrual.
type RunReport struct {
	AsOf               string     `json:"as_of"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
	UsersScanned       int        `json:"users_scanned"`
	UsersProcessed     int        `json:"users_processed"`
	UsersUnchanged     int        `json:"users_unchanged"`
	UsersContended     int        `json:"users_contended"`
	UsersFailed        int        `json:"users_failed"`
	PositionsAccrued   int        `json:"positions_accrued"`
	PositionsMatured   int        `json:"positions_matured"`
	CapitalReturned    int        `json:"capital_returned"`
	OrphansRepaired    int        `json:"orphans_repaired"`
	PositionsFlagged   int        `json:"positions_flagged"`
	NotificationErrors int        `json:"notification_errors"`
	AmountCredited     int64      `json:"amount_credited"`
	Interrupted        bool       `json:"interrupted"`
	Errors             []RunError `json:"errors,omitempty"`
}

// Engine runs the daily accrual.
type Engine struct {
	store    AccrualStore
	notifier Notifier
	locker   UserLocker
	logger   logrus.FieldLogger
	opts     EngineOptions
}

// NewEngine creates a new accrual engine. notifier and locker may be nil.
func NewEngine(store AccrualStore, notifier Notifier, locker UserLocker, logger logrus.FieldLogger, opts EngineOptions) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 200
	}
	if opts.CommitRetries < 1 {
		opts.CommitRetries = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		locker:   locker,
		logger:   logger,
		opts:     opts,
	}
}

// Location is the business timezone used to cut calendar days.
func (e *Engine) Location() *time.Location {
	return e.opts.Location
}

// RunDailyAccrual settles asOf's calendar day for every candidate user.
// The returned error is reserved for failures that stop the whole run, such as
// the candidate listing failing; per-user problems only appear in the report.
func (e *Engine) RunDailyAccrual(ctx context.Context, asOf time.Time) (*RunReport, error) {
	day := domain.DayOf(asOf, e.opts.Location)
	run := &runState{report: &RunReport{
		AsOf:      day.Format(domain.DateLayout),
		StartedAt: e.opts.Now(),
	}}
	log := e.logger.WithField("as_of", run.report.AsOf)
	log.Info("starting daily accrual run")

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)

	var runErr error
	afterID := ""
	dispatched := 0
pages:
	for {
		if ctx.Err() != nil {
			run.interrupt()
			break
		}
		ids, err := e.store.ListAccrualCandidates(ctx, afterID, e.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				run.interrupt()
				break
			}
			runErr = fmt.Errorf("list accrual candidates: %w", err)
			break
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if e.opts.MaxUsers > 0 && dispatched >= e.opts.MaxUsers {
				run.interrupt()
				break pages
			}
			if ctx.Err() != nil {
				run.interrupt()
				break pages
			}
			userID := id
			dispatched++
			g.Go(func() error {
				e.processUser(ctx, userID, asOf, run)
				return nil
			})
		}

		afterID = ids[len(ids)-1]
		if len(ids) < e.opts.PageSize {
			break
		}
	}
	_ = g.Wait()

	report := run.finish(dispatched, e.opts.Now())
	fields := logrus.Fields{
		"users_scanned":       report.UsersScanned,
		"users_processed":     report.UsersProcessed,
		"users_failed":        report.UsersFailed,
		"positions_accrued":   report.PositionsAccrued,
		"positions_matured":   report.PositionsMatured,
		"positions_flagged":   report.PositionsFlagged,
		"notification_errors": report.NotificationErrors,
		"amount_credited":     report.AmountCredited,
		"interrupted":         report.Interrupted,
	}
	if runErr != nil {
		log.WithFields(fields).WithError(runErr).Error("daily accrual run aborted")
		return report, runErr
	}
	log.WithFields(fields).Info("daily accrual run finished")
	return report, nil
}

func (e *Engine) processUser(ctx context.Context, userID string, asOf time.Time, run *runState) {
	log := e.logger.WithFields(logrus.Fields{"user_id": userID, "as_of": domain.DayOf(asOf, e.opts.Location).Format(domain.DateLayout)})

	if e.locker != nil {
		release, acquired, err := e.locker.TryLock(ctx, userID)
		switch {
		case err != nil:
			log.WithError(err).Warn("user lock unavailable; relying on conditional commit")
		case !acquired:
			log.Info("user is being processed by another runner; skipping")
			run.contended()
			return
		default:
			defer release()
		}
	}

	issuesRecorded := false
	for attempt := 1; ; attempt++ {
		user, err := e.store.GetUser(ctx, userID)
		if err != nil {
			log.WithError(err).Error("failed to load user")
			run.fail(userID, err)
			return
		}

		accrual := domain.EvaluateUser(*user, asOf, e.opts.Location, e.opts.Now())
		if !issuesRecorded && len(accrual.Issues) > 0 {
			issuesRecorded = true
			e.recordIssues(ctx, log, accrual.Issues, run)
		}
		if !accrual.HasMutations() {
			run.unchanged()
			return
		}

		err = e.store.CommitUserAccrual(ctx, accrual)
		switch {
		case err == nil:
			run.committed(accrual)
			if accrual.OrphanRepaired {
				log.Info("cleared mirror fields with no active position")
			}
			log.WithFields(logrus.Fields{
				"accrued":  accrual.Accrued,
				"matured":  accrual.Matured,
				"credited": accrual.Credited,
			}).Info("committed user accrual")
			e.emit(ctx, log, accrual.Events, run)
			return
		case errors.Is(err, store.ErrVersionConflict) && attempt < e.opts.CommitRetries:
			log.WithField("attempt", attempt).Info("user changed during evaluation; retrying")
			continue
		case errors.Is(err, store.ErrPositionConflict):
			log.WithError(err).Info("position already settled by a concurrent run")
			run.contended()
			return
		default:
			log.WithError(err).Error("failed to commit user accrual")
			run.fail(userID, err)
			return
		}
	}
}

func (e *Engine) recordIssues(ctx context.Context, log logrus.FieldLogger, issues []domain.PositionIssue, run *runState) {
	for _, issue := range issues {
		log.WithFields(logrus.Fields{
			"position_id": issue.PositionID,
			"reason":      issue.Reason,
		}).Warn("position skipped: data integrity problem")
	}
	run.flagged(len(issues))
	if err := e.store.RecordPositionIssues(ctx, issues); err != nil {
		log.WithError(err).Error("failed to record position review items")
	}
}

func (e *Engine) emit(ctx context.Context, log logrus.FieldLogger, events []domain.Event, run *runState) {
	if e.notifier == nil {
		return
	}
	for _, event := range events {
		if err := e.notifier.Notify(ctx, event); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event_type":  event.Type,
				"position_id": event.PositionID,
			}).Warn("failed to dispatch notification")
			run.notificationFailed()
		}
	}
}

// runState collects per-user outcomes from the worker goroutines.
type runState struct {
	mu     sync.Mutex
	report *RunReport
}

func (s *runState) committed(a domain.UserAccrual) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.UsersProcessed++
	s.report.PositionsAccrued += a.Accrued
	s.report.PositionsMatured += a.Matured
	s.report.CapitalReturned += a.CapitalReturned
	s.report.AmountCredited += a.Credited
	if a.OrphanRepaired {
		s.report.OrphansRepaired++
	}
}

func (s *runState) unchanged() {
	s.mu.Lock()
	s.report.UsersUnchanged++
	s.mu.Unlock()
}

func (s *runState) contended() {
	s.mu.Lock()
	s.report.UsersContended++
	s.mu.Unlock()
}

func (s *runState) flagged(n int) {
	s.mu.Lock()
	s.report.PositionsFlagged += n
	s.mu.Unlock()
}

func (s *runState) notificationFailed() {
	s.mu.Lock()
	s.report.NotificationErrors++
	s.mu.Unlock()
}

func (s *runState) interrupt() {
	s.mu.Lock()
	s.report.Interrupted = true
	s.mu.Unlock()
}

func (s *runState) fail(userID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.UsersFailed++
	if len(s.report.Errors) < maxReportedErrors {
		s.report.Errors = append(s.report.Errors, RunError{UserID: userID, Error: err.Error()})
	}
}

func (s *runState) finish(scanned int, now time.Time) *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.UsersScanned = scanned
	s.report.FinishedAt = now
	return s.report
}
