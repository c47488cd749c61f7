// Package reconcile finalizes leads from asynchronous call-outcome
// notifications, regardless of how they were delivered (HTTP webhook or
// outcome topic).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/queue"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

// ErrLeadNotFound indicates the notification correlates to no in-progress
// lead. Surfaced to the sender, not absorbed: it usually means a
// correlation bug upstream.
var ErrLeadNotFound = fmt.Errorf("reconcile: %w: no matching in-progress lead", apperrors.ErrNotFound)

// Notification is an inbound call-outcome event.
type Notification struct {
	IdentityID      string
	CallRef         string
	Status          domain.CallOutcomeStatus
	Disposition     *string
	DurationMinutes *float64
}

// Result describes what reconciliation did.
type Result struct {
	Lead *domain.Lead
	// Duplicate is true when the notification had already been applied and
	// this delivery changed nothing.
	Duplicate bool
}

// EventSink publishes lead transitions downstream.
type EventSink interface {
	PublishLeadEvent(ctx context.Context, msg queue.LeadEventMessage) error
	PublishStats(ctx context.Context, stats domain.CampaignStats) error
}

// Service applies terminal transitions and keeps the aggregates in step.
type Service struct {
	leads    repository.LeadRepository
	stats    repository.StatsRepository
	events   EventSink
	logger   *logger.Logger
	unitRate float64
	now      func() time.Time
}

// NewService builds the reconciler. events may be nil; unitRate is the
// per-minute call price used to derive cost.
func NewService(leads repository.LeadRepository, stats repository.StatsRepository, events EventSink, lg *logger.Logger, unitRate float64, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		leads:    leads,
		stats:    stats,
		events:   events,
		logger:   lg,
		unitRate: unitRate,
		now:      clock,
	}
}

// Process applies one notification. Duplicate deliveries are detected before
// any mutation and reported as a no-op, never double-counted.
func (s *Service) Process(ctx context.Context, n Notification) (*Result, error) {
	if err := validate(n); err != nil {
		return nil, err
	}

	tracer := otel.Tracer("outbound.reconcile")
	sctx, span := tracer.Start(ctx, "reconcile.outcome", trace.WithAttributes(
		attribute.String("identity.id", n.IdentityID),
		attribute.String("outcome.status", string(n.Status)),
	))
	defer span.End()

	lead, duplicate, err := s.resolve(sctx, n)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if duplicate {
		s.logger.Info("reconcile: duplicate delivery ignored",
			zap.String("lead_id", lead.ID.String()),
			zap.String("identity_id", n.IdentityID))
		return &Result{Lead: lead, Duplicate: true}, nil
	}

	duration := 0.0
	if n.DurationMinutes != nil {
		duration = *n.DurationMinutes
	}
	outcome := &domain.Outcome{
		DurationMinutes: duration,
		Cost:            duration * s.unitRate,
	}
	if n.Disposition != nil {
		outcome.Disposition = *n.Disposition
	}

	status := n.Status.LeadStatus()
	now := s.now().UTC()

	if err := s.leads.Finalize(sctx, lead.ID, status, outcome, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race to a concurrent delivery. Re-read: terminal now
			// means someone else already applied this outcome.
			current, getErr := s.leads.Get(sctx, lead.ID)
			if getErr == nil && current.Status.Terminal() {
				return &Result{Lead: current, Duplicate: true}, nil
			}
		}
		span.RecordError(err)
		return nil, fmt.Errorf("reconcile: finalize lead %s: %w", lead.ID, err)
	}

	delta := repository.StatsDelta{
		InProgressDelta: -1,
		MinutesDelta:    outcome.DurationMinutes,
		CostDelta:       outcome.Cost,
	}
	if status == domain.LeadStatusCompleted {
		delta.CompletedDelta = 1
	} else {
		delta.FailedDelta = 1
	}
	if err := s.stats.ApplyDelta(sctx, delta); err != nil {
		span.RecordError(err)
		s.logger.Error("reconcile: apply stats delta", zap.Error(err), zap.String("lead_id", lead.ID.String()))
	}

	lead.Status = status
	lead.Outcome = outcome
	lead.UpdatedAt = &now

	s.publish(sctx, lead)

	s.logger.Info("reconcile: lead finalized",
		zap.String("lead_id", lead.ID.String()),
		zap.String("identity_id", n.IdentityID),
		zap.String("status", string(status)),
		zap.Float64("duration_minutes", outcome.DurationMinutes),
		zap.Float64("cost", outcome.Cost))

	return &Result{Lead: lead}, nil
}

// resolve locates the lead the notification refers to, or detects that the
// notification was already applied.
func (s *Service) resolve(ctx context.Context, n Notification) (*domain.Lead, bool, error) {
	if n.CallRef != "" {
		lead, err := s.leads.GetByCallRef(ctx, n.CallRef)
		switch {
		case err == nil && lead.Status.Terminal():
			return lead, true, nil
		case err == nil && lead.Status == domain.LeadStatusInProgress:
			return lead, false, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, false, fmt.Errorf("reconcile: lookup by call ref: %w", err)
		}
		// Unknown ref or a lead never dispatched: fall through to the
		// identity lookup before rejecting.
	}

	lead, err := s.leads.MostRecentInProgressByIdentity(ctx, n.IdentityID)
	if err == nil {
		return lead, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("reconcile: lookup by identity: %w", err)
	}

	// Redelivery check: the lead may already be terminal.
	terminal, termErr := s.leads.MostRecentTerminalByIdentity(ctx, n.IdentityID)
	if termErr == nil && matchesOutcome(terminal, n) {
		return terminal, true, nil
	}
	if termErr != nil && !errors.Is(termErr, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("reconcile: terminal lookup: %w", termErr)
	}

	return nil, false, ErrLeadNotFound
}

// matchesOutcome reports whether the terminal lead carries the same outcome
// the notification describes, i.e. this delivery is a replay.
func matchesOutcome(lead *domain.Lead, n Notification) bool {
	if lead.Status != n.Status.LeadStatus() {
		return false
	}
	if n.DurationMinutes != nil && lead.Outcome != nil && lead.Outcome.DurationMinutes != *n.DurationMinutes {
		return false
	}
	return true
}

func (s *Service) publish(ctx context.Context, lead *domain.Lead) {
	if s.events == nil {
		return
	}

	event := queue.LeadEventMessage{
		LeadID:     lead.ID,
		Status:     lead.Status,
		OccurredAt: s.now().UTC(),
	}
	if lead.AssignedIdentityID != nil {
		event.IdentityID = *lead.AssignedIdentityID
	}
	if err := s.events.PublishLeadEvent(ctx, event); err != nil {
		s.logger.Warn("reconcile: publish lead event", zap.Error(err))
	}

	stats, err := s.stats.Get(ctx)
	if err != nil {
		s.logger.Warn("reconcile: read stats for snapshot", zap.Error(err))
		return
	}
	if err := s.events.PublishStats(ctx, *stats); err != nil {
		s.logger.Warn("reconcile: publish stats", zap.Error(err))
	}
}

func validate(n Notification) error {
	if n.IdentityID == "" && n.CallRef == "" {
		return fmt.Errorf("%w: identity id or call ref is required", apperrors.ErrValidation)
	}
	if !n.Status.Valid() {
		return fmt.Errorf("%w: status must be Completed or Failed", apperrors.ErrValidation)
	}
	if n.DurationMinutes != nil && *n.DurationMinutes < 0 {
		return fmt.Errorf("%w: duration must not be negative", apperrors.ErrValidation)
	}
	return nil
}
