// Package events publishes charge outcomes for downstream consumers
// (notifications, reconciliation). Publishing is best effort.
package events

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

const EventTypeChargeOutcome = "charge.outcome"

type ChargeOutcomeEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	ScheduleID    string    `json:"schedule_id"`
	TransactionID string    `json:"transaction_id"`
	CustomerID    string    `json:"customer_id,omitempty"`
	Email         string    `json:"email,omitempty"`
	Status        string    `json:"status"`
	ChargeStatus  string    `json:"charge_status"`
	ISOCode       string    `json:"iso_code"`
	ISOMessage    string    `json:"iso_message"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	AttemptNumber int       `json:"attempt_number"`
	CycleNumber   int       `json:"cycle_number"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	PublishChargeOutcome(ctx context.Context, event ChargeOutcomeEvent) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishChargeOutcome(context.Context, ChargeOutcomeEvent) error { return nil }

func prepare(event ChargeOutcomeEvent) ChargeOutcomeEvent {
	if event.EventID == "" {
		event.EventID = ulid.Make().String()
	}
	if event.Type == "" {
		event.Type = EventTypeChargeOutcome
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}
