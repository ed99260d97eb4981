package domain

import (
	"fmt"
	"time"
)

// PositionUpdate is the conditional write applied to one position in a commit.
// The store applies it only while the position is active and its lastGainDate is before Day.
type PositionUpdate struct {
	PositionID   string     `json:"position_id"`
	LastGainDate time.Time  `json:"last_gain_date"`
	Complete     bool       `json:"complete"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// PositionIssue describes a position skipped because its stored data cannot be trusted.
type PositionIssue struct {
	UserID     string `json:"user_id"`
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

// UserAccrual is everything one user's daily evaluation wants to persist, committed atomically.
type UserAccrual struct {
	UserID          string
	ExpectedVersion int64
	Day             time.Time
	Delta           Delta
	Entries         []LedgerEntry
	Positions       []PositionUpdate
	Mirror          Mirror
	MirrorChanged   bool
	Events          []Event
	Issues          []PositionIssue

	OrphanRepaired  bool
	Accrued         int
	Matured         int
	CapitalReturned int
	Credited        int64
}

// HasMutations reports whether a commit is needed.
func (a UserAccrual) HasMutations() bool {
	return len(a.Positions) > 0 || len(a.Entries) > 0 || a.MirrorChanged
}

// EvaluateUser computes the day's accrual for one user without side effects.
// asOf selects the calendar day in loc; now stamps the entries and events.
func EvaluateUser(user User, asOf time.Time, loc *time.Location, now time.Time) UserAccrual {
	day := DayOf(asOf, loc)
	result := UserAccrual{
		UserID:          user.ID,
		ExpectedVersion: user.Version,
		Day:             day,
	}

	hadActive := user.HasActivePosition()
	if !hadActive && !user.Mirror.IsEmpty() {
		result.Mirror = Mirror{}
		result.MirrorChanged = true
		result.OrphanRepaired = true
		return result
	}

	completing := make(map[string]bool)
	for _, position := range user.Positions {
		if !position.IsActive() {
			continue
		}

		plan, issue := checkPlan(user.ID, position)
		if issue != nil {
			result.Issues = append(result.Issues, *issue)
			continue
		}

		createdDay := DayOf(position.CreatedAt, loc)
		if !createdDay.Before(day) {
			// first earning day is the day after subscription
			continue
		}
		if position.LastGainDate != nil && !DayOf(*position.LastGainDate, loc).Before(day) {
			continue
		}

		gain := plan.DailyGain(position.Amount)
		matured := !day.Before(AddDays(createdDay, plan.DurationDays))

		if !matured {
			if gain <= 0 {
				continue
			}
			result.creditGain(user, position, plan, gain, now)
			result.Positions = append(result.Positions, PositionUpdate{
				PositionID:   position.ID,
				LastGainDate: day,
			})
			continue
		}

		if gain > 0 {
			result.creditGain(user, position, plan, gain, now)
		}
		if plan.CapitalBack && position.Amount > 0 {
			result.returnCapital(user, position, plan, now)
		}

		completedAt := asOf
		result.Positions = append(result.Positions, PositionUpdate{
			PositionID:   position.ID,
			LastGainDate: day,
			Complete:     true,
			CompletedAt:  &completedAt,
		})
		result.Matured++
		completing[position.ID] = true
		result.Events = append(result.Events, Event{
			ID:              EventID(EventPlanCompleted, position.ID, day),
			Type:            EventPlanCompleted,
			UserID:          user.ID,
			Email:           user.Email,
			FullName:        user.FullName,
			PositionID:      position.ID,
			PlanName:        plan.Name,
			Amount:          position.Amount,
			CapitalReturned: plan.CapitalBack && position.Amount > 0,
			AsOf:            day.Format(DateLayout),
			OccurredAt:      now,
		})
	}

	next, ok := projectMirror(user, completing)
	switch {
	case len(completing) > 0 && !next.Equal(user.Mirror):
		result.Mirror = next
		result.MirrorChanged = true
	case ok && user.Mirror.IsEmpty():
		// active positions exist but the projection was never written
		result.Mirror = next
		result.MirrorChanged = true
	}

	return result
}

func (a *UserAccrual) creditGain(user User, position Position, plan *PlanSnapshot, gain int64, now time.Time) {
	a.Delta = a.Delta.Add(Delta{Main: gain})
	a.Entries = append(a.Entries, LedgerEntry{
		ID:          AccrualEntryID(position.ID, EntryDailyGain, a.Day),
		UserID:      user.ID,
		PositionID:  position.ID,
		Type:        EntryDailyGain,
		Amount:      gain,
		PlanName:    plan.Name,
		Date:        a.Day,
		Status:      EntryCompleted,
		Description: fmt.Sprintf("Daily gain from %s plan", plan.Name),
		CreatedAt:   now,
	})
	a.Events = append(a.Events, Event{
		ID:         EventID(EventDailyGain, position.ID, a.Day),
		Type:       EventDailyGain,
		UserID:     user.ID,
		Email:      user.Email,
		FullName:   user.FullName,
		PositionID: position.ID,
		PlanName:   plan.Name,
		Amount:     gain,
		AsOf:       a.Day.Format(DateLayout),
		OccurredAt: now,
	})
	a.Accrued++
	a.Credited += gain
}

func (a *UserAccrual) returnCapital(user User, position Position, plan *PlanSnapshot, now time.Time) {
	a.Delta = a.Delta.Add(Delta{Main: position.Amount})
	a.Entries = append(a.Entries, LedgerEntry{
		ID:          AccrualEntryID(position.ID, EntryCapitalReturn, a.Day),
		UserID:      user.ID,
		PositionID:  position.ID,
		Type:        EntryCapitalReturn,
		Amount:      position.Amount,
		PlanName:    plan.Name,
		Date:        a.Day,
		Status:      EntryCompleted,
		Description: fmt.Sprintf("Capital returned from %s plan", plan.Name),
		CreatedAt:   now,
	})
	a.CapitalReturned++
	a.Credited += position.Amount
}

func checkPlan(userID string, position Position) (*PlanSnapshot, *PositionIssue) {
	if position.PlanErr != nil {
		return nil, &PositionIssue{UserID: userID, PositionID: position.ID, Reason: position.PlanErr.Error()}
	}
	if err := position.Plan.Validate(); err != nil {
		return nil, &PositionIssue{UserID: userID, PositionID: position.ID, Reason: err.Error()}
	}
	if position.Amount < 0 {
		return nil, &PositionIssue{UserID: userID, PositionID: position.ID, Reason: fmt.Sprintf("negative principal %d", position.Amount)}
	}
	return position.Plan, nil
}

// projectMirror points the mirror at the most recently opened position that stays active.
func projectMirror(user User, completing map[string]bool) (Mirror, bool) {
	var latest *Position
	for i := range user.Positions {
		p := user.Positions[i]
		if !p.IsActive() || completing[p.ID] {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = &user.Positions[i]
		}
	}
	if latest == nil {
		return Mirror{}, false
	}
	return MirrorOf(*latest), true
}
