package lead

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
)

type captureLeadRepo struct {
	repository.LeadRepository
	inserted []*domain.Lead
}

func (c *captureLeadRepo) BulkInsert(_ context.Context, leads []*domain.Lead) error {
	c.inserted = append(c.inserted, leads...)
	return nil
}

func (c *captureLeadRepo) List(_ context.Context, status domain.LeadStatus, _ int) ([]domain.Lead, error) {
	var out []domain.Lead
	for _, l := range c.inserted {
		if status == "" || l.Status == status {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (c *captureLeadRepo) Get(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	for _, l := range c.inserted {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, repository.ErrNotFound
}

type captureStatsRepo struct {
	repository.StatsRepository
	deltas []repository.StatsDelta
}

func (c *captureStatsRepo) ApplyDelta(_ context.Context, delta repository.StatsDelta) error {
	c.deltas = append(c.deltas, delta)
	return nil
}

func TestIngestNormalizesNumbers(t *testing.T) {
	leads := &captureLeadRepo{}
	stats := &captureStatsRepo{}
	svc := NewService(leads, stats)

	created, err := svc.Ingest(context.Background(), []IngestInput{
		{Name: "  Grace Hopper  ", PhoneNumber: "(650) 253-0000"},
		{Name: "Alan Turing", PhoneNumber: "+44 20 7031 3000"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d leads, want 2", len(created))
	}

	if created[0].Name != "Grace Hopper" {
		t.Errorf("name = %q, want trimmed", created[0].Name)
	}
	if created[0].PhoneNumber != "+16502530000" {
		t.Errorf("phone = %q, want +16502530000", created[0].PhoneNumber)
	}
	if created[1].PhoneNumber != "+442070313000" {
		t.Errorf("phone = %q, want +442070313000", created[1].PhoneNumber)
	}
	for _, l := range created {
		if l.Status != domain.LeadStatusPending {
			t.Errorf("lead %s status = %q, want pending", l.ID, l.Status)
		}
	}

	if len(stats.deltas) != 1 || stats.deltas[0].RemainingDelta != 2 {
		t.Errorf("stats deltas = %+v, want one delta with RemainingDelta 2", stats.deltas)
	}
}

func TestIngestRejectsWholeBatchOnInvalidRecord(t *testing.T) {
	cases := []IngestInput{
		{Name: "", PhoneNumber: "+16502530000"},
		{Name: "No Phone", PhoneNumber: ""},
		{Name: "Bad Phone", PhoneNumber: "12345"},
	}

	for _, bad := range cases {
		leads := &captureLeadRepo{}
		stats := &captureStatsRepo{}
		svc := NewService(leads, stats)

		_, err := svc.Ingest(context.Background(), []IngestInput{
			{Name: "Valid Lead", PhoneNumber: "+16502530000"},
			bad,
		})
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("input %+v: err = %v, want validation error", bad, err)
		}
		if len(leads.inserted) != 0 {
			t.Errorf("input %+v: %d leads stored, batch must be all or nothing", bad, len(leads.inserted))
		}
		if len(stats.deltas) != 0 {
			t.Errorf("input %+v: stats touched on rejected batch", bad)
		}
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	svc := NewService(&captureLeadRepo{}, &captureStatsRepo{})
	if _, err := svc.Ingest(context.Background(), nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc := NewService(&captureLeadRepo{}, &captureStatsRepo{})
	if _, err := svc.List(context.Background(), "ringing", 10); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	leads := &captureLeadRepo{}
	svc := NewService(leads, &captureStatsRepo{})

	now := time.Now().UTC()
	leads.inserted = []*domain.Lead{
		{ID: uuid.New(), Status: domain.LeadStatusPending, CreatedAt: now},
		{ID: uuid.New(), Status: domain.LeadStatusCompleted, CreatedAt: now},
	}

	got, err := svc.List(context.Background(), domain.LeadStatusPending, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Status != domain.LeadStatusPending {
		t.Fatalf("got %+v, want only the pending lead", got)
	}
}
