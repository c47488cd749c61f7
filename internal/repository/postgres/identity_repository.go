package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
)

// IdentityRepository implements repository.IdentityRepository using PostgreSQL.
type IdentityRepository struct {
	db *sqlx.DB
}

// NewIdentityRepository constructs a new repository.
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Seed inserts identities that do not exist yet, daily counters at zero.
func (r *IdentityRepository) Seed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `INSERT INTO phone_identities (id, daily_count, total_count, last_reset_at)
		VALUES (:id, 0, 0, NOW())
		ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, map[string]any{"id": id})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("identities: seed: %w", err)
	}
	return nil
}

// List returns all identities ordered by usage ascending.
func (r *IdentityRepository) List(ctx context.Context) ([]domain.PhoneIdentity, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, daily_count, total_count, last_used_at, last_reset_at
		FROM phone_identities
		ORDER BY daily_count ASC, last_used_at ASC NULLS FIRST, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("identities: list: %w", err)
	}
	defer rows.Close()

	var results []domain.PhoneIdentity
	for rows.Next() {
		var rec identityRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("identities: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identities: rows err: %w", err)
	}
	return results, nil
}

// AcquireNext charges one call to the least-used identity under the cap.
//
// The inner select locks the chosen row with SKIP LOCKED so two concurrent
// dispatch ticks racing for the last slot under the cap can never both win.
func (r *IdentityRepository) AcquireNext(ctx context.Context, dailyLimit int, now time.Time) (*domain.PhoneIdentity, error) {
	q := `UPDATE phone_identities SET
			daily_count = daily_count + 1,
			total_count = total_count + 1,
			last_used_at = $2
		WHERE id = (
			SELECT id FROM phone_identities
			WHERE daily_count < $1
			ORDER BY daily_count ASC, last_used_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, daily_count, total_count, last_used_at, last_reset_at`

	var rec identityRecord
	if err := r.db.QueryRowxContext(ctx, q, dailyLimit, now).StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNoIdentity
		}
		return nil, fmt.Errorf("identities: acquire: %w", err)
	}

	identity := rec.toDomain()
	return &identity, nil
}

// OldestReset returns the oldest last_reset_at across the pool.
func (r *IdentityRepository) OldestReset(ctx context.Context) (time.Time, error) {
	var oldest sql.NullTime
	if err := r.db.QueryRowxContext(ctx, `SELECT MIN(last_reset_at) FROM phone_identities`).Scan(&oldest); err != nil {
		return time.Time{}, fmt.Errorf("identities: oldest reset: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, repository.ErrNotFound
	}
	return oldest.Time, nil
}

// ResetAll zeroes every daily counter and stamps the reset time.
func (r *IdentityRepository) ResetAll(ctx context.Context, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE phone_identities SET daily_count = 0, last_reset_at = $1`, now); err != nil {
		return fmt.Errorf("identities: reset all: %w", err)
	}
	return nil
}

type identityRecord struct {
	ID          string       `db:"id"`
	DailyCount  int          `db:"daily_count"`
	TotalCount  int64        `db:"total_count"`
	LastUsedAt  sql.NullTime `db:"last_used_at"`
	LastResetAt time.Time    `db:"last_reset_at"`
}

func (r identityRecord) toDomain() domain.PhoneIdentity {
	identity := domain.PhoneIdentity{
		ID:          r.ID,
		DailyCount:  r.DailyCount,
		TotalCount:  r.TotalCount,
		LastResetAt: r.LastResetAt,
	}
	if r.LastUsedAt.Valid {
		t := r.LastUsedAt.Time
		identity.LastUsedAt = &t
	}
	return identity
}
