package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
)

// LeadRepository implements repository.LeadRepository using PostgreSQL.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

const leadColumns = `id, name, phone_number, assigned_identity_id, call_ref, status,
	disposition, duration_minutes, cost, created_at, updated_at`

// Create inserts a single lead.
func (r *LeadRepository) Create(ctx context.Context, lead *domain.Lead) error {
	return r.BulkInsert(ctx, []*domain.Lead{lead})
}

// BulkInsert inserts a batch of leads in one transaction so a partial batch
// is never visible to the dispatcher.
func (r *LeadRepository) BulkInsert(ctx context.Context, leads []*domain.Lead) error {
	if len(leads) == 0 {
		return nil
	}

	query := `INSERT INTO leads (
		id, name, phone_number, assigned_identity_id, call_ref, status,
		disposition, duration_minutes, cost, created_at, updated_at
	) VALUES (:id, :name, :phone_number, :assigned_identity_id, :call_ref, :status,
		:disposition, :duration_minutes, :cost, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	const chunkSize = 500

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for start := 0; start < len(leads); start += chunkSize {
			end := start + chunkSize
			if end > len(leads) {
				end = len(leads)
			}

			rows := make([]map[string]any, 0, end-start)
			for _, l := range leads[start:end] {
				row := map[string]any{
					"id":                   l.ID,
					"name":                 l.Name,
					"phone_number":         l.PhoneNumber,
					"assigned_identity_id": l.AssignedIdentityID,
					"call_ref":             l.CallRef,
					"status":               l.Status,
					"disposition":          nil,
					"duration_minutes":     nil,
					"cost":                 nil,
					"created_at":           l.CreatedAt,
					"updated_at":           l.UpdatedAt,
				}
				if l.Outcome != nil {
					row["disposition"] = l.Outcome.Disposition
					row["duration_minutes"] = l.Outcome.DurationMinutes
					row["cost"] = l.Outcome.Cost
				}
				rows = append(rows, row)
			}

			if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
				return fmt.Errorf("leads: bulk insert: %w", err)
			}
		}
		return nil
	})
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return r.scanOne(r.db.QueryRowxContext(ctx, q, id), "get")
}

// List returns leads, optionally filtered by status, oldest first.
func (r *LeadRepository) List(ctx context.Context, status domain.LeadStatus, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + leadColumns + ` FROM leads`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
		args = append(args, status, limit)
	} else {
		q += ` ORDER BY created_at ASC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("leads: list: %w", err)
	}
	defer rows.Close()

	var results []domain.Lead
	for rows.Next() {
		var rec leadRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("leads: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leads: rows err: %w", err)
	}
	return results, nil
}

// NextPending returns the oldest pending lead.
func (r *LeadRepository) NextPending(ctx context.Context) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1`
	return r.scanOne(r.db.QueryRowxContext(ctx, q), "next pending")
}

// CountPending counts leads awaiting a call.
func (r *LeadRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM leads WHERE status = 'pending'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("leads: count pending: %w", err)
	}
	return count, nil
}

// MostRecentInProgressByIdentity finds the in-progress lead a webhook correlates to.
func (r *LeadRepository) MostRecentInProgressByIdentity(ctx context.Context, identityID string) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads
		WHERE status = 'in_progress' AND assigned_identity_id = $1
		ORDER BY updated_at DESC NULLS LAST
		LIMIT 1`
	return r.scanOne(r.db.QueryRowxContext(ctx, q, identityID), "in progress by identity")
}

// MostRecentTerminalByIdentity finds the latest finalized lead for an identity.
func (r *LeadRepository) MostRecentTerminalByIdentity(ctx context.Context, identityID string) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads
		WHERE status IN ('completed', 'failed') AND assigned_identity_id = $1
		ORDER BY updated_at DESC NULLS LAST
		LIMIT 1`
	return r.scanOne(r.db.QueryRowxContext(ctx, q, identityID), "terminal by identity")
}

// GetByCallRef fetches a lead by provider call reference.
func (r *LeadRepository) GetByCallRef(ctx context.Context, callRef string) (*domain.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE call_ref = $1`
	return r.scanOne(r.db.QueryRowxContext(ctx, q, callRef), "get by call ref")
}

// MarkInProgress transitions pending -> in_progress, guarded on the current status.
func (r *LeadRepository) MarkInProgress(ctx context.Context, id uuid.UUID, identityID string, callRef *string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE leads SET
			status = 'in_progress',
			assigned_identity_id = $2,
			call_ref = $3,
			updated_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, identityID, callRef, at)
	if err != nil {
		return fmt.Errorf("leads: mark in progress: %w", err)
	}
	return requireRow(res, "mark in progress")
}

// Finalize applies a terminal transition, guarded on a non-terminal status.
func (r *LeadRepository) Finalize(ctx context.Context, id uuid.UUID, status domain.LeadStatus, outcome *domain.Outcome, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("leads: finalize with non-terminal status %q", status)
	}

	var disposition, duration, cost any
	if outcome != nil {
		disposition = outcome.Disposition
		duration = outcome.DurationMinutes
		cost = outcome.Cost
	}

	res, err := r.db.ExecContext(ctx, `UPDATE leads SET
			status = $2,
			disposition = $3,
			duration_minutes = $4,
			cost = $5,
			updated_at = $6
		WHERE id = $1 AND status IN ('pending', 'in_progress')`,
		id, status, disposition, duration, cost, at)
	if err != nil {
		return fmt.Errorf("leads: finalize: %w", err)
	}
	return requireRow(res, "finalize")
}

func (r *LeadRepository) scanOne(row *sqlx.Row, op string) (*domain.Lead, error) {
	var rec leadRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("leads: %s: %w", op, err)
	}
	lead := rec.toDomain()
	return &lead, nil
}

func requireRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("leads: %s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return repository.ErrConflict
	}
	return nil
}

type leadRecord struct {
	ID                 uuid.UUID       `db:"id"`
	Name               string          `db:"name"`
	PhoneNumber        string          `db:"phone_number"`
	AssignedIdentityID sql.NullString  `db:"assigned_identity_id"`
	CallRef            sql.NullString  `db:"call_ref"`
	Status             string          `db:"status"`
	Disposition        sql.NullString  `db:"disposition"`
	DurationMinutes    sql.NullFloat64 `db:"duration_minutes"`
	Cost               sql.NullFloat64 `db:"cost"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          sql.NullTime    `db:"updated_at"`
}

func (r leadRecord) toDomain() domain.Lead {
	lead := domain.Lead{
		ID:          r.ID,
		Name:        r.Name,
		PhoneNumber: r.PhoneNumber,
		Status:      domain.LeadStatus(r.Status),
		CreatedAt:   r.CreatedAt,
	}
	if r.AssignedIdentityID.Valid {
		v := r.AssignedIdentityID.String
		lead.AssignedIdentityID = &v
	}
	if r.CallRef.Valid {
		v := r.CallRef.String
		lead.CallRef = &v
	}
	if r.UpdatedAt.Valid {
		t := r.UpdatedAt.Time
		lead.UpdatedAt = &t
	}
	if lead.Status.Terminal() && (r.Disposition.Valid || r.DurationMinutes.Valid || r.Cost.Valid) {
		lead.Outcome = &domain.Outcome{
			Disposition:     r.Disposition.String,
			DurationMinutes: r.DurationMinutes.Float64,
			Cost:            r.Cost.Float64,
		}
	}
	return lead
}
