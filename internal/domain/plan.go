package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidPlan marks a plan snapshot whose terms cannot be accrued.
var ErrInvalidPlan = errors.New("invalid plan snapshot")

var hundred = decimal.NewFromInt(100)

// PlanSnapshot is the immutable copy of plan terms taken when a position is opened.
// Later edits to the plan catalogue never reach an existing position.
type PlanSnapshot struct {
	Name         string           `json:"name"`
	ROI          decimal.Decimal  `json:"roi"` // total percent over the whole duration
	DurationDays int              `json:"durationDays"`
	DailyRate    *decimal.Decimal `json:"dailyRate,omitempty"` // percent per day, overrides ROI/DurationDays
	CapitalBack  bool             `json:"capitalBack"`
}

// ParsePlanSnapshot decodes a stored snapshot document.
func ParsePlanSnapshot(raw []byte) (*PlanSnapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing plan snapshot", ErrInvalidPlan)
	}
	var plan PlanSnapshot
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &plan, nil
}

// Validate checks the terms needed to compute a gain and a maturity date.
func (p *PlanSnapshot) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: missing plan snapshot", ErrInvalidPlan)
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("%w: durationDays must be positive, got %d", ErrInvalidPlan, p.DurationDays)
	}
	if p.ROI.IsNegative() {
		return fmt.Errorf("%w: roi must not be negative, got %s", ErrInvalidPlan, p.ROI)
	}
	if p.DailyRate != nil && p.DailyRate.IsNegative() {
		return fmt.Errorf("%w: dailyRate must not be negative, got %s", ErrInvalidPlan, p.DailyRate)
	}
	return nil
}

// DailyGain is amount * rate / 100 rounded half-up to the smallest currency unit,
// where rate is dailyRate when present and roi / durationDays otherwise. The
// quotient is taken exactly so a gain landing on x.5 always rounds up.
func (p *PlanSnapshot) DailyGain(amount int64) int64 {
	numerator := decimal.NewFromInt(amount)
	denominator := hundred
	if p.DailyRate != nil {
		numerator = numerator.Mul(*p.DailyRate)
	} else {
		numerator = numerator.Mul(p.ROI)
		denominator = hundred.Mul(decimal.NewFromInt(int64(p.DurationDays)))
	}
	return roundHalfUp(numerator, denominator)
}

// roundHalfUp divides n by d and rounds half away from zero without an
// intermediate rounded quotient. d must be positive.
func roundHalfUp(n, d decimal.Decimal) int64 {
	quotient, remainder := n.QuoRem(d, 0)
	if remainder.Abs().Mul(decimal.NewFromInt(2)).Cmp(d) >= 0 {
		if n.Sign() < 0 {
			quotient = quotient.Sub(decimal.NewFromInt(1))
		} else {
			quotient = quotient.Add(decimal.NewFromInt(1))
		}
	}
	return quotient.IntPart()
}
