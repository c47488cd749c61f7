package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a concurrent update won the race.
	ErrConflict = apperrors.ErrConflict
	// ErrNoIdentity indicates every identity is at its daily cap.
	ErrNoIdentity = apperrors.ErrNoIdentity
)

// LeadRepository manages lead persistence.
//
// MarkInProgress and Finalize are compare-and-set on the lead's current
// status so dispatcher and reconciler never clobber each other's writes;
// both return ErrConflict when the lead is no longer in an eligible state.
type LeadRepository interface {
	Create(ctx context.Context, lead *domain.Lead) error
	BulkInsert(ctx context.Context, leads []*domain.Lead) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	List(ctx context.Context, status domain.LeadStatus, limit int) ([]domain.Lead, error)

	// NextPending returns the oldest pending lead by createdAt, or ErrNotFound.
	NextPending(ctx context.Context) (*domain.Lead, error)
	CountPending(ctx context.Context) (int64, error)

	// MostRecentInProgressByIdentity returns the most-recently-updated
	// in-progress lead assigned to the identity, or ErrNotFound.
	MostRecentInProgressByIdentity(ctx context.Context, identityID string) (*domain.Lead, error)
	// MostRecentTerminalByIdentity is the duplicate-detection lookup for
	// webhook redelivery after the lead has already been finalized.
	MostRecentTerminalByIdentity(ctx context.Context, identityID string) (*domain.Lead, error)
	GetByCallRef(ctx context.Context, callRef string) (*domain.Lead, error)

	MarkInProgress(ctx context.Context, id uuid.UUID, identityID string, callRef *string, at time.Time) error
	Finalize(ctx context.Context, id uuid.UUID, status domain.LeadStatus, outcome *domain.Outcome, at time.Time) error
}

// IdentityRepository manages the phone identity pool.
type IdentityRepository interface {
	Seed(ctx context.Context, ids []string) error
	List(ctx context.Context) ([]domain.PhoneIdentity, error)

	// AcquireNext atomically selects the identity with the smallest
	// dailyCount under the limit (ties: oldest lastUsedAt, then lowest id),
	// increments its counters and stamps lastUsedAt. ErrNoIdentity when all
	// identities are at cap.
	AcquireNext(ctx context.Context, dailyLimit int, now time.Time) (*domain.PhoneIdentity, error)

	OldestReset(ctx context.Context) (time.Time, error)
	ResetAll(ctx context.Context, now time.Time) error
}

// StatsRepository keeps the campaign aggregate counters.
type StatsRepository interface {
	Ensure(ctx context.Context) error
	Get(ctx context.Context) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, delta StatsDelta) error
	// Recompute re-derives the aggregates by scanning all leads and
	// overwrites the stored row, returning the result.
	Recompute(ctx context.Context) (*domain.CampaignStats, error)
}

// DialLogStore persists per-attempt dial records.
type DialLogStore interface {
	AppendAttempt(ctx context.Context, attempt domain.DialAttempt) error
	ListByLead(ctx context.Context, leadID uuid.UUID, limit int, pagingState []byte) ([]domain.DialAttempt, []byte, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	CompletedDelta  int64
	InProgressDelta int64
	RemainingDelta  int64
	FailedDelta     int64
	MinutesDelta    float64
	CostDelta       float64
}
