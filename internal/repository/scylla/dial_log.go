package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-lead-dialer/internal/domain"
)

// DialLog persists per-attempt dial records in Scylla.
type DialLog struct {
	session *gocql.Session
}

// NewDialLog creates a new dial log store.
func NewDialLog(session *gocql.Session) *DialLog {
	return &DialLog{session: session}
}

// AppendAttempt writes one dial attempt, clustered under its lead.
func (s *DialLog) AppendAttempt(ctx context.Context, attempt domain.DialAttempt) error {
	if err := s.session.Query(`INSERT INTO dial_attempts_by_lead (lead_id, attempt_id, identity_id, phone_number, placed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.LeadID.String(), attempt.ID.String(), attempt.IdentityID, attempt.PhoneNumber,
		attempt.Placed, attempt.Error, attempt.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("dial log: append attempt: %w", err)
	}
	return nil
}

// ListByLead lists attempts for a lead, newest first, with pagination.
func (s *DialLog) ListByLead(ctx context.Context, leadID uuid.UUID, limit int, pagingState []byte) ([]domain.DialAttempt, []byte, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.session.Query(`SELECT attempt_id, identity_id, phone_number, placed, error, created_at
		FROM dial_attempts_by_lead WHERE lead_id = ?`, leadID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.DialAttempt, 0, limit)

	var (
		attemptIDStr string
		identityID   string
		phone        string
		placed       bool
		lastError    string
		created      time.Time
	)

	for iter.Scan(&attemptIDStr, &identityID, &phone, &placed, &lastError, &created) {
		attemptID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.DialAttempt{
			ID:          attemptID,
			LeadID:      leadID,
			IdentityID:  identityID,
			PhoneNumber: phone,
			Placed:      placed,
			Error:       lastError,
			CreatedAt:   created,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("dial log: iter close: %w", err)
	}

	return attempts, iter.PageState(), nil
}
