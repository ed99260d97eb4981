/**
 * @description
 * Core domain models for the accrual-service: users, their balance buckets and
 * their investment positions.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which
 *   avoids floating-point inaccuracies with financial data.
 * - Calendar days are represented as midnight in the business timezone.
 */

package domain

import (
	"time"
)

// PositionStatus is the lifecycle state of an investment position.
type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
)

// Balances holds the per-user balance buckets. Total is always the sum of the other three.
type Balances struct {
	Main       int64 `json:"main"`
	Investment int64 `json:"investment"`
	Referral   int64 `json:"referral"`
	Total      int64 `json:"total"`
}

// Delta is an additive change to the balance buckets. Total is derived, never supplied.
type Delta struct {
	Main       int64 `json:"main"`
	Investment int64 `json:"investment"`
	Referral   int64 `json:"referral"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Main == 0 && d.Investment == 0 && d.Referral == 0
}

// Add returns the component-wise sum of two deltas.
func (d Delta) Add(other Delta) Delta {
	return Delta{
		Main:       d.Main + other.Main,
		Investment: d.Investment + other.Investment,
		Referral:   d.Referral + other.Referral,
	}
}

// Apply returns the balances after the delta, with Total recomputed.
func (b Balances) Apply(d Delta) Balances {
	next := Balances{
		Main:       b.Main + d.Main,
		Investment: b.Investment + d.Investment,
		Referral:   b.Referral + d.Referral,
	}
	next.Total = next.Main + next.Investment + next.Referral
	return next
}

// Valid reports whether every bucket is non-negative and Total matches the sum.
func (b Balances) Valid() bool {
	if b.Main < 0 || b.Investment < 0 || b.Referral < 0 {
		return false
	}
	return b.Total == b.Main+b.Investment+b.Referral
}

// Position is one subscription of a user to an investment plan.
// This struct maps directly to the `positions` table in the database.
type Position struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Amount       int64          `json:"amount"` // principal, in cents
	Plan         *PlanSnapshot  `json:"plan,omitempty"`
	Status       PositionStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastGainDate *time.Time     `json:"last_gain_date,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`

	// PlanErr is set when the stored plan snapshot could not be decoded.
	PlanErr error `json:"-"`
}

// IsActive reports whether the position is still earning.
func (p Position) IsActive() bool {
	return p.Status == PositionActive
}

// Mirror is the legacy single-plan projection kept on the user record.
// It must be non-empty iff the user holds at least one active position.
type Mirror struct {
	CurrentInvestment *int64 `json:"current_investment,omitempty"`
	InvestmentPlan    string `json:"investment_plan,omitempty"`
}

// IsEmpty reports whether both mirror fields are unset.
func (m Mirror) IsEmpty() bool {
	return m.CurrentInvestment == nil && m.InvestmentPlan == ""
}

// Equal compares two mirrors by value.
func (m Mirror) Equal(other Mirror) bool {
	if m.InvestmentPlan != other.InvestmentPlan {
		return false
	}
	if m.CurrentInvestment == nil || other.CurrentInvestment == nil {
		return m.CurrentInvestment == nil && other.CurrentInvestment == nil
	}
	return *m.CurrentInvestment == *other.CurrentInvestment
}

// MirrorOf projects a position onto the legacy mirror fields.
func MirrorOf(p Position) Mirror {
	amount := p.Amount
	name := ""
	if p.Plan != nil {
		name = p.Plan.Name
	}
	return Mirror{CurrentInvestment: &amount, InvestmentPlan: name}
}

// User is the aggregate the accrual engine reads and mutates.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name"`
	Balances  Balances   `json:"balances"`
	Positions []Position `json:"positions"`
	Mirror    Mirror     `json:"mirror"`
	Version   int64      `json:"version"`
}

// HasActivePosition reports whether any position is still earning.
func (u User) HasActivePosition() bool {
	for _, p := range u.Positions {
		if p.IsActive() {
			return true
		}
	}
	return false
}
