package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recoverly/accrual-service/internal/domain"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-process Repository with the same conditional commit
// rules as PostgresRepository. It backs STORE_DRIVER=memory and the tests.
type MemoryRepository struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	entries  map[string][]domain.LedgerEntry
	entryIDs map[uuid.UUID]bool
	reviews  map[string]*PositionReview
	outbox   []*memoryOutboxMessage
	nextID   int64
	now      func() time.Time
}

type memoryOutboxMessage struct {
	OutboxMessage
	status      string
	nextAttempt time.Time
	claimedAt   time.Time
	lastError   string
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]*domain.User),
		entries:  make(map[string][]domain.LedgerEntry),
		entryIDs: make(map[uuid.UUID]bool),
		reviews:  make(map[string]*PositionReview),
		now:      time.Now,
	}
}

// SeedUser inserts or replaces a user aggregate. The stored total is recomputed.
func (r *MemoryRepository) SeedUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := cloneUser(user)
	copied.Balances = copied.Balances.Apply(domain.Delta{})
	for i := range copied.Positions {
		copied.Positions[i].UserID = copied.ID
	}
	r.users[user.ID] = &copied
}

// ListAccrualCandidates returns user ids after afterID with an active position or mirror fields.
func (r *MemoryRepository) ListAccrualCandidates(ctx context.Context, afterID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	ids := make([]string, 0, len(r.users))
	for id, user := range r.users {
		if id <= afterID {
			continue
		}
		if user.HasActivePosition() || !user.Mirror.IsEmpty() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetUser returns a copy of the stored aggregate.
func (r *MemoryRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := cloneUser(*user)
	return &copied, nil
}

// CommitUserAccrual applies the evaluation if the version and every position guard still hold.
func (r *MemoryRepository) CommitUserAccrual(ctx context.Context, accrual domain.UserAccrual) error {
	if !accrual.HasMutations() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[accrual.UserID]
	if !ok {
		return ErrUserNotFound
	}
	if user.Version != accrual.ExpectedVersion {
		return ErrVersionConflict
	}

	next := cloneUser(*user)
	for _, update := range accrual.Positions {
		idx := positionIndex(next.Positions, update.PositionID)
		if idx < 0 {
			return fmt.Errorf("position %s: %w", update.PositionID, ErrPositionConflict)
		}
		position := &next.Positions[idx]
		if !position.IsActive() || (position.LastGainDate != nil && !position.LastGainDate.Before(update.LastGainDate)) {
			return fmt.Errorf("position %s: %w", update.PositionID, ErrPositionConflict)
		}
		day := update.LastGainDate
		position.LastGainDate = &day
		if update.Complete {
			position.Status = domain.PositionCompleted
			if update.CompletedAt != nil {
				completedAt := *update.CompletedAt
				position.CompletedAt = &completedAt
			}
		}
	}
	for _, entry := range accrual.Entries {
		if r.entryIDs[entry.ID] {
			return fmt.Errorf("ledger entry %s: %w", entry.ID, ErrPositionConflict)
		}
	}

	balances := next.Balances.Apply(accrual.Delta)
	if !balances.Valid() {
		return ErrInsufficientBalance
	}
	next.Balances = balances
	if accrual.MirrorChanged {
		next.Mirror = cloneMirror(accrual.Mirror)
	}
	next.Version++

	r.users[accrual.UserID] = &next
	for _, entry := range accrual.Entries {
		r.entryIDs[entry.ID] = true
		r.entries[accrual.UserID] = append(r.entries[accrual.UserID], entry)
	}
	return nil
}

// ApplyDelta increments the buckets and appends the entry, or changes nothing.
func (r *MemoryRepository) ApplyDelta(ctx context.Context, userID string, delta domain.Delta, entry domain.LedgerEntry) (*domain.Balances, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	balances := user.Balances.Apply(delta)
	if !balances.Valid() {
		return nil, ErrInsufficientBalance
	}
	if r.entryIDs[entry.ID] {
		return nil, fmt.Errorf("ledger entry %s: %w", entry.ID, ErrDuplicateEntry)
	}

	user.Balances = balances
	user.Version++
	entry.UserID = userID
	r.entryIDs[entry.ID] = true
	r.entries[userID] = append(r.entries[userID], entry)

	result := balances
	return &result, nil
}

// ListLedgerEntries returns the newest entries first.
func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.entries[userID]
	if limit <= 0 {
		limit = 50
	}
	entries := make([]domain.LedgerEntry, 0, len(stored))
	for i := len(stored) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, stored[i])
	}
	return entries, nil
}

// RecordPositionIssues upserts review items.
func (r *MemoryRepository) RecordPositionIssues(ctx context.Context, issues []domain.PositionIssue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, issue := range issues {
		if review, ok := r.reviews[issue.PositionID]; ok {
			review.Reason = issue.Reason
			review.Occurrences++
			review.LastSeenAt = now
			continue
		}
		r.reviews[issue.PositionID] = &PositionReview{
			PositionID:  issue.PositionID,
			UserID:      issue.UserID,
			Reason:      issue.Reason,
			Occurrences: 1,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
	}
	return nil
}

// ListPositionReviews returns the most recently seen review items first.
func (r *MemoryRepository) ListPositionReviews(ctx context.Context, limit int) ([]PositionReview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reviews := make([]PositionReview, 0, len(r.reviews))
	for _, review := range r.reviews {
		reviews = append(reviews, *review)
	}
	sort.Slice(reviews, func(i, j int) bool {
		if reviews[i].LastSeenAt.Equal(reviews[j].LastSeenAt) {
			return reviews[i].PositionID < reviews[j].PositionID
		}
		return reviews[i].LastSeenAt.After(reviews[j].LastSeenAt)
	})
	if limit > 0 && len(reviews) > limit {
		reviews = reviews[:limit]
	}
	return reviews, nil
}

// EnqueueOutboxMessage parks a notification; duplicates by event id are ignored.
func (r *MemoryRepository) EnqueueOutboxMessage(ctx context.Context, eventID uuid.UUID, exchange, routingKey string, payload interface{}, reason string) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, message := range r.outbox {
		if message.EventID == eventID {
			return nil
		}
	}
	r.nextID++
	r.outbox = append(r.outbox, &memoryOutboxMessage{
		OutboxMessage: OutboxMessage{
			ID:         r.nextID,
			EventID:    eventID,
			Exchange:   strings.TrimSpace(exchange),
			RoutingKey: strings.TrimSpace(routingKey),
			Payload:    blob,
		},
		status:      "pending",
		nextAttempt: r.now(),
		lastError:   reason,
	})
	return nil
}

// ClaimOutboxMessages marks due messages as processing.
func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := r.now()
	stale := time.Duration(staleAfterSeconds) * time.Second
	claimed := make([]OutboxMessage, 0, limit)
	for _, message := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		due := message.status == "pending" && !message.nextAttempt.After(now)
		stuck := message.status == "processing" && now.Sub(message.claimedAt) > stale
		if !due && !stuck {
			continue
		}
		message.status = "processing"
		message.claimedAt = now
		message.Attempts++
		claimed = append(claimed, message.OutboxMessage)
	}
	return claimed, nil
}

// MarkOutboxPublished records a successful delivery.
func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, message := range r.outbox {
		if message.ID == id {
			message.status = "published"
			message.lastError = ""
		}
	}
	return nil
}

// MarkOutboxFailed reschedules a message.
func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for _, message := range r.outbox {
		if message.ID == id {
			message.status = "pending"
			message.nextAttempt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			message.lastError = reason
		}
	}
	return nil
}

// OutboxStatus reports the status of every parked message keyed by event id.
func (r *MemoryRepository) OutboxStatus() map[uuid.UUID]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[uuid.UUID]string, len(r.outbox))
	for _, message := range r.outbox {
		statuses[message.EventID] = message.status
	}
	return statuses
}

func positionIndex(positions []domain.Position, id string) int {
	for i := range positions {
		if positions[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneUser(user domain.User) domain.User {
	copied := user
	copied.Mirror = cloneMirror(user.Mirror)
	copied.Positions = make([]domain.Position, len(user.Positions))
	for i, p := range user.Positions {
		if p.LastGainDate != nil {
			v := *p.LastGainDate
			p.LastGainDate = &v
		}
		if p.CompletedAt != nil {
			v := *p.CompletedAt
			p.CompletedAt = &v
		}
		copied.Positions[i] = p
	}
	return copied
}

func cloneMirror(m domain.Mirror) domain.Mirror {
	if m.CurrentInvestment == nil {
		return m
	}
	v := *m.CurrentInvestment
	return domain.Mirror{CurrentInvestment: &v, InvestmentPlan: m.InvestmentPlan}
}
