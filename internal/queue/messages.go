package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-lead-dialer/internal/domain"
)

// OutcomeMessage is a call-outcome notification delivered over the outcome
// topic. It mirrors the HTTP webhook payload.
type OutcomeMessage struct {
	IdentityID      string   `json:"identity_id"`
	CallRef         string   `json:"call_ref,omitempty"`
	Status          string   `json:"status"`
	Disposition     *string  `json:"disposition,omitempty"`
	DurationMinutes *float64 `json:"duration_minutes,omitempty"`
}

// LeadEventMessage announces a lead state transition on the event topic.
type LeadEventMessage struct {
	EventID    uuid.UUID         `json:"event_id"`
	LeadID     uuid.UUID         `json:"lead_id"`
	IdentityID string            `json:"identity_id,omitempty"`
	Status     domain.LeadStatus `json:"status"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// StatsEventMessage publishes a snapshot of the campaign aggregates.
type StatsEventMessage struct {
	EventID      uuid.UUID `json:"event_id"`
	Completed    int64     `json:"completed"`
	InProgress   int64     `json:"in_progress"`
	Remaining    int64     `json:"remaining"`
	Failed       int64     `json:"failed"`
	TotalMinutes float64   `json:"total_minutes"`
	TotalCost    float64   `json:"total_cost"`
	OccurredAt   time.Time `json:"occurred_at"`
}
