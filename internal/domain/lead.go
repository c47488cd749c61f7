package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus enumerates lifecycle states of a lead.
type LeadStatus string

const (
	LeadStatusPending    LeadStatus = "pending"
	LeadStatusInProgress LeadStatus = "in_progress"
	LeadStatusCompleted  LeadStatus = "completed"
	LeadStatusFailed     LeadStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s LeadStatus) Terminal() bool {
	return s == LeadStatusCompleted || s == LeadStatusFailed
}

// Lead represents one outbound call target.
//
// AssignedIdentityID is set when the dispatcher moves the lead to
// in_progress; Outcome is set only when the lead reaches a terminal state.
// A pending lead carries neither.
type Lead struct {
	ID                 uuid.UUID
	Name               string
	PhoneNumber        string
	AssignedIdentityID *string
	CallRef            *string
	Status             LeadStatus
	Outcome            *Outcome
	CreatedAt          time.Time
	UpdatedAt          *time.Time
}

// Outcome carries the terminal-state fields of a lead.
type Outcome struct {
	Disposition     string
	DurationMinutes float64
	Cost            float64
}

// PhoneIdentity is a caller-side line with a per-day usage cap.
type PhoneIdentity struct {
	ID          string
	DailyCount  int
	TotalCount  int64
	LastUsedAt  *time.Time
	LastResetAt time.Time
}

// CampaignStats aggregates lead outcomes for the campaign.
type CampaignStats struct {
	Completed    int64
	InProgress   int64
	Remaining    int64
	Failed       int64
	TotalMinutes float64
	TotalCost    float64
}

// CallOutcomeStatus enumerates terminal statuses a call notification may carry.
type CallOutcomeStatus string

const (
	CallOutcomeCompleted CallOutcomeStatus = "Completed"
	CallOutcomeFailed    CallOutcomeStatus = "Failed"
)

// LeadStatusFor maps a notification status to the lead terminal status.
func (s CallOutcomeStatus) LeadStatus() LeadStatus {
	if s == CallOutcomeFailed {
		return LeadStatusFailed
	}
	return LeadStatusCompleted
}

// Valid reports whether the outcome status is one of the recognized values.
func (s CallOutcomeStatus) Valid() bool {
	return s == CallOutcomeCompleted || s == CallOutcomeFailed
}
