package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/recoverly/accrual-service/internal/store"
	"github.com/sirupsen/logrus"
)

// ErrInvalidLedgerRequest wraps every validation failure of ApplyDelta.
var ErrInvalidLedgerRequest = errors.New("invalid ledger request")

var referenceNamespace = uuid.MustParse("3d9a4f5e-7b21-4c8d-a6e0-1f2b3c4d5e6f")

// LedgerStore defines the persistence operations the ledger service needs.
type LedgerStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	ApplyDelta(ctx context.Context, userID string, delta domain.Delta, entry domain.LedgerEntry) (*domain.Balances, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
	ListPositionReviews(ctx context.Context, limit int) ([]store.PositionReview, error)
}

// ApplyDeltaRequest is the body other subsystems post to move money.
type ApplyDeltaRequest struct {
	Delta       domain.Delta     `json:"delta"`
	Type        domain.EntryType `json:"type"`
	Amount      int64            `json:"amount"` // optional; must equal the amount the delta moves
	Description string           `json:"description"`
	Reference   string           `json:"reference"` // caller idempotency key
}

// Portfolio is the investor-facing view of balances, positions and recent entries.
type Portfolio struct {
	UserID        string               `json:"user_id"`
	Balances      domain.Balances      `json:"balances"`
	Positions     []domain.Position    `json:"positions"`
	RecentEntries []domain.LedgerEntry `json:"recent_entries"`
}

// LedgerService exposes the balance ledger to other subsystems.
type LedgerService struct {
	store  LedgerStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewLedgerService(store LedgerStore, logger logrus.FieldLogger) *LedgerService {
	return &LedgerService{store: store, logger: logger, now: time.Now}
}

// ApplyDelta validates and applies an additive balance change with its ledger entry.
// Repeating a request with the same reference is reported as store.ErrDuplicateEntry.
func (s *LedgerService) ApplyDelta(ctx context.Context, userID string, req ApplyDeltaRequest) (*domain.Balances, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidLedgerRequest)
	}
	if !req.Type.Known() {
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrInvalidLedgerRequest, req.Type)
	}
	if req.Type.EngineOwned() {
		return nil, fmt.Errorf("%w: %s entries are written by the accrual engine only", ErrInvalidLedgerRequest, req.Type)
	}
	if req.Delta.IsZero() {
		return nil, fmt.Errorf("%w: delta must change at least one bucket", ErrInvalidLedgerRequest)
	}
	amount, err := entryAmount(req.Type, req.Delta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLedgerRequest, err)
	}
	if req.Amount != 0 && req.Amount != amount {
		return nil, fmt.Errorf("%w: amount %d does not match the %d moved by the delta", ErrInvalidLedgerRequest, req.Amount, amount)
	}

	now := s.now()
	entryID := uuid.New()
	if ref := strings.TrimSpace(req.Reference); ref != "" {
		entryID = uuid.NewSHA1(referenceNamespace, []byte(userID+"|"+ref))
	}
	entry := domain.LedgerEntry{
		ID:          entryID,
		UserID:      userID,
		Type:        req.Type,
		Amount:      amount,
		Date:        now,
		Status:      domain.EntryCompleted,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
	}

	balances, err := s.store.ApplyDelta(ctx, userID, req.Delta, entry)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"type":     req.Type,
		"amount":   amount,
		"entry_id": entryID,
	}).Info("applied balance delta")
	return balances, nil
}

// entryAmount is the positive amount a delta moves, checked against the direction of t:
// deposits and referral bonuses only credit, withdrawals only debit, and transfers move
// funds between buckets without changing the total.
func entryAmount(t domain.EntryType, d domain.Delta) (int64, error) {
	var credit, debit int64
	for _, v := range []int64{d.Main, d.Investment, d.Referral} {
		if v > 0 {
			credit += v
		} else {
			debit -= v
		}
	}

	switch t {
	case domain.EntryDeposit, domain.EntryReferralBonus:
		if debit != 0 {
			return 0, fmt.Errorf("%s entries must not debit any bucket", t)
		}
		return credit, nil
	case domain.EntryWithdrawal:
		if credit != 0 {
			return 0, fmt.Errorf("%s entries must not credit any bucket", t)
		}
		return debit, nil
	case domain.EntryTransfer:
		if credit != debit {
			return 0, fmt.Errorf("%s entries must keep the total unchanged, got %+d", t, credit-debit)
		}
		return credit, nil
	default:
		return 0, fmt.Errorf("unsupported entry type %q", t)
	}
}

// Portfolio loads the investor view.
func (s *LedgerService) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, userID, 20)
	if err != nil {
		return nil, err
	}
	return &Portfolio{
		UserID:        user.ID,
		Balances:      user.Balances,
		Positions:     user.Positions,
		RecentEntries: entries,
	}, nil
}

// ListReviews returns positions waiting for manual review.
func (s *LedgerService) ListReviews(ctx context.Context, limit int) ([]store.PositionReview, error) {
	return s.store.ListPositionReviews(ctx, limit)
}
