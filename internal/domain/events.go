package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a notification the engine emits.
type EventType string

const (
	EventDailyGain     EventType = "daily_gain"
	EventPlanCompleted EventType = "plan_completed"
)

// RoutingKey is the broker routing key for the event type.
func (t EventType) RoutingKey() string {
	return "investment." + string(t)
}

// Event is the payload handed to the notification dispatcher after a commit.
type Event struct {
	ID              uuid.UUID `json:"id"`
	Type            EventType `json:"type"`
	UserID          string    `json:"user_id"`
	Email           string    `json:"email,omitempty"`
	FullName        string    `json:"full_name,omitempty"`
	PositionID      string    `json:"position_id"`
	PlanName        string    `json:"plan_name"`
	Amount          int64     `json:"amount"` // gain for daily_gain, principal for plan_completed
	CapitalReturned bool      `json:"capital_returned"`
	AsOf            string    `json:"as_of"`
	OccurredAt      time.Time `json:"occurred_at"`
}

var eventNamespace = uuid.MustParse("c0a8e3d2-1b7f-4a9e-8f3c-5d6e7f809a1b")

// EventID is deterministic per (type, position, day) so consumers can drop duplicates.
func EventID(eventType EventType, positionID string, day time.Time) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s", eventType, positionID, day.Format(DateLayout))
	return uuid.NewSHA1(eventNamespace, []byte(key))
}
