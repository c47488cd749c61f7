package lead

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
)

const defaultRegion = "US"

// Service owns lead ingestion and reads.
type Service struct {
	leads repository.LeadRepository
	stats repository.StatsRepository
}

// NewService constructs a lead service.
func NewService(leads repository.LeadRepository, stats repository.StatsRepository) *Service {
	return &Service{leads: leads, stats: stats}
}

// IngestInput is one contact record to enqueue.
type IngestInput struct {
	Name        string
	PhoneNumber string
}

// Ingest creates pending leads from a batch of contacts. Phone numbers are
// normalized to E.164; records that fail validation reject the whole batch
// so a file is never half-ingested.
func (s *Service) Ingest(ctx context.Context, inputs []IngestInput) ([]*domain.Lead, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no leads provided", apperrors.ErrValidation)
	}

	now := time.Now().UTC()
	leads := make([]*domain.Lead, 0, len(inputs))
	for i, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: lead %d: name is required", apperrors.ErrValidation, i)
		}
		number, err := normalizePhone(in.PhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: lead %d: %v", apperrors.ErrValidation, i, err)
		}
		leads = append(leads, &domain.Lead{
			ID:          uuid.New(),
			Name:        name,
			PhoneNumber: number,
			Status:      domain.LeadStatusPending,
			CreatedAt:   now,
		})
	}

	if err := s.leads.BulkInsert(ctx, leads); err != nil {
		return nil, fmt.Errorf("lead service: store leads: %w", err)
	}

	if err := s.stats.ApplyDelta(ctx, repository.StatsDelta{RemainingDelta: int64(len(leads))}); err != nil {
		return nil, fmt.Errorf("lead service: update stats: %w", err)
	}

	return leads, nil
}

// Get fetches a lead by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	return s.leads.Get(ctx, id)
}

// List returns leads, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.LeadStatus, limit int) ([]domain.Lead, error) {
	switch status {
	case "", domain.LeadStatusPending, domain.LeadStatusInProgress, domain.LeadStatusCompleted, domain.LeadStatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrValidation, status)
	}
	return s.leads.List(ctx, status, limit)
}

func normalizePhone(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("phone number is required")
	}

	number, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("invalid phone number %q", trimmed)
	}
	if !phonenumbers.IsValidNumber(number) {
		return "", fmt.Errorf("invalid phone number %q", trimmed)
	}
	return phonenumbers.Format(number, phonenumbers.E164), nil
}
