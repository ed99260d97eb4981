package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryType identifies the kind of money movement a ledger entry records.
type EntryType string

const (
	EntryDailyGain     EntryType = "daily_gain"
	EntryCapitalReturn EntryType = "capital_return"
	EntryReferralBonus EntryType = "referral_bonus"
	EntryDeposit       EntryType = "deposit"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryTransfer      EntryType = "transfer"
)

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

// EntryCompleted is the only status this service writes; entries are recorded once settled.
const EntryCompleted EntryStatus = "completed"

// EngineOwned reports whether only the accrual engine may write entries of this type.
func (t EntryType) EngineOwned() bool {
	return t == EntryDailyGain || t == EntryCapitalReturn
}

// Known reports whether t is one of the recognised entry types.
func (t EntryType) Known() bool {
	switch t {
	case EntryDailyGain, EntryCapitalReturn, EntryReferralBonus, EntryDeposit, EntryWithdrawal, EntryTransfer:
		return true
	}
	return false
}

// LedgerEntry is one append-only line of a user's transaction log.
// This struct maps directly to the `ledger_entries` table in the database.
type LedgerEntry struct {
	ID          uuid.UUID   `json:"id"`
	UserID      string      `json:"user_id"`
	PositionID  string      `json:"position_id,omitempty"`
	Type        EntryType   `json:"type"`
	Amount      int64       `json:"amount"` // in cents
	PlanName    string      `json:"plan_name,omitempty"`
	Date        time.Time   `json:"date"`
	Status      EntryStatus `json:"status"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
}

var ledgerNamespace = uuid.MustParse("6f1c2b7e-58a4-4c1e-9d0b-2a7f3e9c4d11")

// AccrualEntryID derives a stable entry id so that a repeated credit for the same
// position, type and day collides instead of duplicating.
func AccrualEntryID(positionID string, entryType EntryType, day time.Time) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s", positionID, entryType, day.Format(DateLayout))
	return uuid.NewSHA1(ledgerNamespace, []byte(key))
}
