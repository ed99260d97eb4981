/**
 * @description
 * Persistence contracts for the accrual-service: the position store, the balance
 * ledger, the integrity review queue and the notification outbox.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/recoverly/accrual-service/internal/domain"
)

var (
	// ErrUserNotFound is returned when the user row does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrVersionConflict is returned when the user changed since it was read.
	ErrVersionConflict = errors.New("user modified concurrently")
	// ErrPositionConflict is returned when a position was already settled for the day.
	ErrPositionConflict = errors.New("position already settled for day")
	// ErrDuplicateEntry is returned when a ledger entry id was already written.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
	// ErrInsufficientBalance is returned when a delta would drive a bucket below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PositionReview is one position parked for manual review.
type PositionReview struct {
	PositionID  string    `json:"position_id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	Occurrences int       `json:"occurrences"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// OutboxMessage is a notification waiting for redelivery to the broker.
type OutboxMessage struct {
	ID         int64
	EventID    uuid.UUID
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines all persistence operations the service needs.
type Repository interface {
	// Accrual engine
	ListAccrualCandidates(ctx context.Context, afterID string, limit int) ([]string, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CommitUserAccrual(ctx context.Context, accrual domain.UserAccrual) error

	// Balance ledger
	ApplyDelta(ctx context.Context, userID string, delta domain.Delta, entry domain.LedgerEntry) (*domain.Balances, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)

	// Integrity review queue
	RecordPositionIssues(ctx context.Context, issues []domain.PositionIssue) error
	ListPositionReviews(ctx context.Context, limit int) ([]PositionReview, error)

	// Notification outbox
	EnqueueOutboxMessage(ctx context.Context, eventID uuid.UUID, exchange, routingKey string, payload interface{}, reason string) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
