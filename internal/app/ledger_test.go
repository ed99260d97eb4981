package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/recoverly/accrual-service/internal/logging"
	"github.com/recoverly/accrual-service/internal/store"
)

func newTestLedger(t *testing.T) (*LedgerService, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	user := investor("user-1", goldPosition("pos-1", true))
	user.Balances = domain.Balances{Main: 5000, Investment: 100000}
	repo.SeedUser(user)

	service := NewLedgerService(repo, logging.Discard())
	service.now = func() time.Time { return fixedNow }
	return service, repo
}

func TestLedgerService_ApplyDeltaValidation(t *testing.T) {
	service, _ := newTestLedger(t)

	tests := []struct {
		name   string
		userID string
		req    ApplyDeltaRequest
	}{
		{name: "missing user", userID: " ", req: ApplyDeltaRequest{Type: domain.EntryDeposit, Delta: domain.Delta{Main: 100}, Amount: 100}},
		{name: "unknown type", userID: "user-1", req: ApplyDeltaRequest{Type: "bonus", Delta: domain.Delta{Main: 100}, Amount: 100}},
		{name: "engine owned type", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryDailyGain, Delta: domain.Delta{Main: 100}, Amount: 100}},
		{name: "zero delta", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryDeposit, Amount: 100}},
		{name: "amount disagrees with delta", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryDeposit, Delta: domain.Delta{Main: 1000000}, Amount: 100}},
		{name: "negative amount", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryDeposit, Delta: domain.Delta{Main: 100}, Amount: -100}},
		{name: "deposit that debits", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryDeposit, Delta: domain.Delta{Main: -100}}},
		{name: "withdrawal that credits", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryWithdrawal, Delta: domain.Delta{Main: 100}}},
		{name: "transfer that changes total", userID: "user-1", req: ApplyDeltaRequest{Type: domain.EntryTransfer, Delta: domain.Delta{Main: -100, Investment: 50}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.ApplyDelta(context.Background(), tt.userID, tt.req); !errors.Is(err, ErrInvalidLedgerRequest) {
				t.Fatalf("expected ErrInvalidLedgerRequest, got %v", err)
			}
		})
	}
}

func TestLedgerService_ApplyDeltaMovesBuckets(t *testing.T) {
	service, repo := newTestLedger(t)

	balances, err := service.ApplyDelta(context.Background(), "user-1", ApplyDeltaRequest{
		Type:        domain.EntryTransfer,
		Delta:       domain.Delta{Main: -2000, Investment: 2000},
		Amount:      2000,
		Description: "Top up Gold plan",
	})
	if err != nil {
		t.Fatalf("ApplyDelta returned error: %v", err)
	}
	if balances.Main != 3000 || balances.Investment != 102000 || balances.Total != 105000 {
		t.Fatalf("unexpected balances %+v", balances)
	}

	entries, _ := repo.ListLedgerEntries(context.Background(), "user-1", 10)
	if len(entries) != 1 || entries[0].Type != domain.EntryTransfer || entries[0].Amount != 2000 {
		t.Fatalf("unexpected ledger entries %+v", entries)
	}
}

func TestLedgerService_ApplyDeltaRejectsOverdraft(t *testing.T) {
	service, repo := newTestLedger(t)

	_, err := service.ApplyDelta(context.Background(), "user-1", ApplyDeltaRequest{
		Type:   domain.EntryWithdrawal,
		Delta:  domain.Delta{Main: -6000},
		Amount: 6000,
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 5000 {
		t.Fatalf("expected balances unchanged, got %+v", user.Balances)
	}
}

func TestLedgerService_ApplyDeltaReferenceIsIdempotent(t *testing.T) {
	service, repo := newTestLedger(t)
	req := ApplyDeltaRequest{
		Type:      domain.EntryDeposit,
		Delta:     domain.Delta{Main: 1000},
		Amount:    1000,
		Reference: "dep-42",
	}

	if _, err := service.ApplyDelta(context.Background(), "user-1", req); err != nil {
		t.Fatalf("first ApplyDelta returned error: %v", err)
	}
	if _, err := service.ApplyDelta(context.Background(), "user-1", req); !errors.Is(err, store.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry on replay, got %v", err)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 6000 {
		t.Fatalf("expected a single deposit, got %d", user.Balances.Main)
	}
}

func TestLedgerService_ApplyDeltaDerivesEntryAmount(t *testing.T) {
	service, repo := newTestLedger(t)

	if _, err := service.ApplyDelta(context.Background(), "user-1", ApplyDeltaRequest{
		Type:  domain.EntryWithdrawal,
		Delta: domain.Delta{Main: -1500},
	}); err != nil {
		t.Fatalf("ApplyDelta returned error: %v", err)
	}

	entries, _ := repo.ListLedgerEntries(context.Background(), "user-1", 10)
	if len(entries) != 1 || entries[0].Amount != 1500 {
		t.Fatalf("expected the entry to record the 1500 withdrawn, got %+v", entries)
	}
	if user := mustGetUser(t, repo, "user-1"); user.Balances.Main != 3500 {
		t.Fatalf("expected main 3500, got %d", user.Balances.Main)
	}
}

func TestLedgerService_Portfolio(t *testing.T) {
	service, _ := newTestLedger(t)

	if _, err := service.Portfolio(context.Background(), "missing"); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	portfolio, err := service.Portfolio(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Portfolio returned error: %v", err)
	}
	if portfolio.Balances.Total != 105000 || len(portfolio.Positions) != 1 {
		t.Fatalf("unexpected portfolio %+v", portfolio)
	}
}
