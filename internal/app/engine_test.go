package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/recoverly/accrual-service/internal/logging"
	"github.com/recoverly/accrual-service/internal/store"
	"github.com/shopspring/decimal"
)

var (
	subscribedAt = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	fixedNow     = time.Date(2024, 4, 1, 0, 5, 0, 0, time.UTC)
)

func goldPlan(capitalBack bool) *domain.PlanSnapshot {
	return &domain.PlanSnapshot{
		Name:         "Gold",
		ROI:          decimal.NewFromInt(30),
		DurationDays: 10,
		CapitalBack:  capitalBack,
	}
}

func investor(id string, positions ...domain.Position) domain.User {
	user := domain.User{
		ID:        id,
		Email:     id + "@example.com",
		FullName:  "Investor " + id,
		Positions: positions,
	}
	for _, p := range positions {
		if p.IsActive() {
			user.Mirror = domain.MirrorOf(p)
		}
	}
	return user
}

func goldPosition(id string, capitalBack bool) domain.Position {
	return domain.Position{
		ID:        id,
		Amount:    100000,
		Plan:      goldPlan(capitalBack),
		Status:    domain.PositionActive,
		CreatedAt: subscribedAt,
	}
}

func day(n int) time.Time {
	return domain.AddDays(domain.DayOf(subscribedAt, time.UTC), n)
}

func newTestEngine(repo AccrualStore, notifier Notifier, locker UserLocker, opts EngineOptions) *Engine {
	opts.Now = func() time.Time { return fixedNow }
	return NewEngine(repo, notifier, locker, logging.Discard(), opts)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, event domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count(eventType domain.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, event := range n.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

func mustGetUser(t *testing.T, repo *store.MemoryRepository, id string) *domain.User {
	t.Helper()
	user, err := repo.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser(%s) failed: %v", id, err)
	}
	return user
}

func TestRunDailyAccrual_FullPlanWithCapitalBack(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	notifier := &recordingNotifier{}
	engine := newTestEngine(repo, notifier, nil, EngineOptions{Workers: 2})

	for n := 1; n <= 10; n++ {
		report, err := engine.RunDailyAccrual(context.Background(), day(n))
		if err != nil {
			t.Fatalf("day %d: unexpected error: %v", n, err)
		}
		if report.UsersFailed != 0 || report.PositionsAccrued != 1 {
			t.Fatalf("day %d: unexpected report %+v", n, report)
		}
	}

	user := mustGetUser(t, repo, "user-1")
	if user.Balances.Main != 130000 {
		t.Fatalf("expected main 130000 (10 x 3000 + principal), got %d", user.Balances.Main)
	}
	if user.Balances.Investment != 0 || user.Balances.Total != 130000 {
		t.Fatalf("unexpected balances %+v", user.Balances)
	}
	if user.Positions[0].Status != domain.PositionCompleted {
		t.Fatalf("expected position to be completed, got %s", user.Positions[0].Status)
	}
	if !user.Mirror.IsEmpty() {
		t.Fatalf("expected mirror cleared after last position matured, got %+v", user.Mirror)
	}

	entries, err := repo.ListLedgerEntries(context.Background(), "user-1", 100)
	if err != nil {
		t.Fatalf("ListLedgerEntries failed: %v", err)
	}
	gains, returns := 0, 0
	for _, entry := range entries {
		switch entry.Type {
		case domain.EntryDailyGain:
			gains++
		case domain.EntryCapitalReturn:
			returns++
		}
	}
	if gains != 10 || returns != 1 {
		t.Fatalf("expected 10 gain entries and 1 capital return, got %d and %d", gains, returns)
	}
	if notifier.count(domain.EventDailyGain) != 10 || notifier.count(domain.EventPlanCompleted) != 1 {
		t.Fatalf("unexpected notifications: %d gains, %d completions", notifier.count(domain.EventDailyGain), notifier.count(domain.EventPlanCompleted))
	}

	// the user is no longer a candidate
	report, err := engine.RunDailyAccrual(context.Background(), day(11))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersScanned != 0 {
		t.Fatalf("expected no candidates after completion, got %d", report.UsersScanned)
	}
}

func TestRunDailyAccrual_FullPlanWithoutCapitalBack(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", false)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	for n := 1; n <= 10; n++ {
		if _, err := engine.RunDailyAccrual(context.Background(), day(n)); err != nil {
			t.Fatalf("day %d: unexpected error: %v", n, err)
		}
	}

	user := mustGetUser(t, repo, "user-1")
	if user.Balances.Main != 30000 {
		t.Fatalf("expected main 30000, got %d", user.Balances.Main)
	}
	if user.Positions[0].Status != domain.PositionCompleted {
		t.Fatalf("expected completed position, got %s", user.Positions[0].Status)
	}
}

func TestRunDailyAccrual_SkipsSubscriptionDay(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), subscribedAt.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PositionsAccrued != 0 || report.UsersUnchanged != 1 {
		t.Fatalf("expected no accrual on the subscription day, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 0 {
		t.Fatalf("expected no credit, got %d", user.Balances.Main)
	}
}

func TestRunDailyAccrual_RerunSameDayIsNoop(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	if _, err := engine.RunDailyAccrual(context.Background(), day(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersUnchanged != 1 || report.PositionsAccrued != 0 {
		t.Fatalf("expected rerun to change nothing, got %+v", report)
	}

	// an older day after a newer one is also a no-op
	report, err = engine.RunDailyAccrual(context.Background(), day(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PositionsAccrued != 0 {
		t.Fatalf("expected no accrual for an earlier day, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 3000 {
		t.Fatalf("expected exactly one credit, got %d", user.Balances.Main)
	}
}

func TestRunDailyAccrual_ConcurrentRunsCreditOnce(t *testing.T) {
	repo := store.NewMemoryRepository()
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		repo.SeedUser(investor(id, goldPosition("pos-"+id, true)))
	}
	first := newTestEngine(repo, nil, nil, EngineOptions{Workers: 3, CommitRetries: 3})
	second := newTestEngine(repo, nil, nil, EngineOptions{Workers: 3, CommitRetries: 3})

	var wg sync.WaitGroup
	reports := make([]*RunReport, 2)
	for i, engine := range []*Engine{first, second} {
		wg.Add(1)
		go func(i int, engine *Engine) {
			defer wg.Done()
			report, err := engine.RunDailyAccrual(context.Background(), day(1))
			if err != nil {
				t.Errorf("run %d failed: %v", i, err)
			}
			reports[i] = report
		}(i, engine)
	}
	wg.Wait()

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		if user := mustGetUser(t, repo, id); user.Balances.Main != 3000 {
			t.Fatalf("%s: expected a single credit of 3000, got %d", id, user.Balances.Main)
		}
	}
	if reports[0] == nil || reports[1] == nil {
		t.Fatal("expected both runs to report")
	}
	if got := reports[0].PositionsAccrued + reports[1].PositionsAccrued; got != 3 {
		t.Fatalf("expected 3 accruals across both runs, got %d", got)
	}
	if reports[0].UsersFailed+reports[1].UsersFailed != 0 {
		t.Fatalf("expected no failures, got %+v and %+v", reports[0], reports[1])
	}
}

func TestRunDailyAccrual_MissedDaysCatchUpOneDayPerRun(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	// the job did not run between day 1 and day 12
	if _, err := engine.RunDailyAccrual(context.Background(), day(12)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := mustGetUser(t, repo, "user-1")
	if user.Balances.Main != 103000 {
		t.Fatalf("expected one gain plus principal, got %d", user.Balances.Main)
	}
	if user.Positions[0].Status != domain.PositionCompleted {
		t.Fatalf("expected overdue position to complete, got %s", user.Positions[0].Status)
	}
}

func TestRunDailyAccrual_RepairsOrphanMirror(t *testing.T) {
	repo := store.NewMemoryRepository()
	amount := int64(50000)
	orphan := domain.User{
		ID:     "user-orphan",
		Mirror: domain.Mirror{CurrentInvestment: &amount, InvestmentPlan: "Silver"},
		Positions: []domain.Position{{
			ID: "pos-old", Amount: 50000, Plan: goldPlan(false), Status: domain.PositionCompleted, CreatedAt: subscribedAt,
		}},
	}
	repo.SeedUser(orphan)
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.OrphansRepaired != 1 {
		t.Fatalf("expected orphan repair, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-orphan"); !user.Mirror.IsEmpty() {
		t.Fatalf("expected mirror cleared, got %+v", user.Mirror)
	}
}

func TestRunDailyAccrual_FlagsInvalidPlans(t *testing.T) {
	repo := store.NewMemoryRepository()
	broken := goldPosition("pos-broken", true)
	broken.Plan = &domain.PlanSnapshot{Name: "Broken", ROI: decimal.NewFromInt(30)}
	repo.SeedUser(investor("user-1", broken, goldPosition("pos-ok", true)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PositionsFlagged != 1 || report.PositionsAccrued != 1 {
		t.Fatalf("expected one flagged and one accrued position, got %+v", report)
	}

	reviews, err := repo.ListPositionReviews(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPositionReviews failed: %v", err)
	}
	if len(reviews) != 1 || reviews[0].PositionID != "pos-broken" {
		t.Fatalf("expected pos-broken in review queue, got %+v", reviews)
	}
}

type failingStore struct {
	*store.MemoryRepository
	failUser string
}

func (s *failingStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == s.failUser {
		return nil, errors.New("connection reset")
	}
	return s.MemoryRepository.GetUser(ctx, userID)
}

func TestRunDailyAccrual_ContinuesPastFailingUser(t *testing.T) {
	repo := store.NewMemoryRepository()
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		repo.SeedUser(investor(id, goldPosition("pos-"+id, true)))
	}
	engine := newTestEngine(&failingStore{MemoryRepository: repo, failUser: "user-b"}, nil, nil, EngineOptions{Workers: 2})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersFailed != 1 || report.UsersProcessed != 2 {
		t.Fatalf("expected 1 failure and 2 processed, got %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].UserID != "user-b" {
		t.Fatalf("expected user-b in errors, got %+v", report.Errors)
	}
	if user := mustGetUser(t, repo, "user-c"); user.Balances.Main != 3000 {
		t.Fatalf("expected user-c credited, got %d", user.Balances.Main)
	}
}

type listFailingStore struct {
	*store.MemoryRepository
}

func (s *listFailingStore) ListAccrualCandidates(ctx context.Context, afterID string, limit int) ([]string, error) {
	return nil, errors.New("relation users does not exist")
}

func TestRunDailyAccrual_ReturnsErrorWhenCandidatesFail(t *testing.T) {
	engine := newTestEngine(&listFailingStore{store.NewMemoryRepository()}, nil, nil, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err == nil {
		t.Fatal("expected run error")
	}
	if report == nil || report.UsersScanned != 0 {
		t.Fatalf("expected empty report alongside error, got %+v", report)
	}
}

func TestRunDailyAccrual_MaxUsersCutoff(t *testing.T) {
	repo := store.NewMemoryRepository()
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		repo.SeedUser(investor(id, goldPosition("pos-"+id, true)))
	}
	engine := newTestEngine(repo, nil, nil, EngineOptions{PageSize: 1, MaxUsers: 2})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Interrupted || report.UsersScanned != 2 {
		t.Fatalf("expected interrupted run after 2 users, got %+v", report)
	}

	// the next run picks up the remaining user
	engine = newTestEngine(repo, nil, nil, EngineOptions{PageSize: 1})
	report, err = engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PositionsAccrued != 1 || report.UsersUnchanged != 2 {
		t.Fatalf("expected the remaining user to be settled, got %+v", report)
	}
}

func TestRunDailyAccrual_CancelledContextInterrupts(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(repo, nil, nil, EngineOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.RunDailyAccrual(ctx, day(1))
	if err != nil {
		t.Fatalf("cancellation should not be a run error, got %v", err)
	}
	if !report.Interrupted || report.UsersProcessed != 0 {
		t.Fatalf("expected interrupted run with no work, got %+v", report)
	}
}

func TestRunDailyAccrual_NotificationFailuresDoNotUndoCommit(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(repo, &recordingNotifier{err: errors.New("broker down")}, nil, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.NotificationErrors != 1 || report.UsersProcessed != 1 {
		t.Fatalf("expected committed user with one notification error, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 3000 {
		t.Fatalf("expected credit to stand, got %d", user.Balances.Main)
	}
}

// racingStore changes the user once between load and commit.
type racingStore struct {
	*store.MemoryRepository
	mu    sync.Mutex
	raced bool
}

func (s *racingStore) CommitUserAccrual(ctx context.Context, accrual domain.UserAccrual) error {
	s.mu.Lock()
	if !s.raced {
		s.raced = true
		s.mu.Unlock()
		entry := domain.LedgerEntry{ID: uuid.New(), Type: domain.EntryDeposit, Amount: 500, Status: domain.EntryCompleted}
		if _, err := s.ApplyDelta(ctx, accrual.UserID, domain.Delta{Main: 500}, entry); err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}
	return s.MemoryRepository.CommitUserAccrual(ctx, accrual)
}

func TestRunDailyAccrual_RetriesVersionConflict(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(&racingStore{MemoryRepository: repo}, nil, nil, EngineOptions{CommitRetries: 3})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersProcessed != 1 || report.UsersFailed != 0 {
		t.Fatalf("expected retry to succeed, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 3500 {
		t.Fatalf("expected deposit and gain to both land, got %d", user.Balances.Main)
	}
}

func TestRunDailyAccrual_VersionConflictWithoutRetriesFails(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-1", goldPosition("pos-1", true)))
	engine := newTestEngine(&racingStore{MemoryRepository: repo}, nil, nil, EngineOptions{CommitRetries: 1})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersFailed != 1 {
		t.Fatalf("expected the conflict to be reported, got %+v", report)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 500 {
		t.Fatalf("expected only the deposit, got %d", user.Balances.Main)
	}
}

type stubLocker struct {
	busy     map[string]bool
	released int
	mu       sync.Mutex
}

func (l *stubLocker) TryLock(ctx context.Context, userID string) (func(), bool, error) {
	if l.busy[userID] {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, true, nil
}

func TestRunDailyAccrual_SkipsLockedUsers(t *testing.T) {
	repo := store.NewMemoryRepository()
	repo.SeedUser(investor("user-a", goldPosition("pos-a", true)))
	repo.SeedUser(investor("user-b", goldPosition("pos-b", true)))
	locker := &stubLocker{busy: map[string]bool{"user-b": true}}
	engine := newTestEngine(repo, nil, locker, EngineOptions{})

	report, err := engine.RunDailyAccrual(context.Background(), day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.UsersContended != 1 || report.UsersProcessed != 1 {
		t.Fatalf("expected one contended and one processed user, got %+v", report)
	}
	if locker.released != 1 {
		t.Fatalf("expected the acquired lock to be released, got %d", locker.released)
	}
	if user := mustGetUser(t, repo, "user-b"); user.Balances.Main != 0 {
		t.Fatalf("expected locked user untouched, got %d", user.Balances.Main)
	}
}
