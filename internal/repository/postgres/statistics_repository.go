package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
)

// Fixed row id: the campaign runs as a single tenant.
const statsRowID = "00000000-0000-0000-0000-000000000001"

// StatsRepository implements repository.StatsRepository.
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository builds the repository.
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Ensure ensures the aggregate row exists.
func (r *StatsRepository) Ensure(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_stats (id)
		VALUES ($1) ON CONFLICT (id) DO NOTHING`, statsRowID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves the aggregates.
func (r *StatsRepository) Get(ctx context.Context) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT completed_calls, in_progress_calls, remaining_calls, failed_calls, total_minutes, total_cost
		FROM campaign_stats WHERE id = $1`, statsRowID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	stats := rec.toDomain()
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *StatsRepository) ApplyDelta(ctx context.Context, delta repository.StatsDelta) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaign_stats SET
			completed_calls = completed_calls + $2,
			in_progress_calls = in_progress_calls + $3,
			remaining_calls = remaining_calls + $4,
			failed_calls = failed_calls + $5,
			total_minutes = total_minutes + $6,
			total_cost = total_cost + $7,
			updated_at = NOW()
		WHERE id = $1`,
		statsRowID,
		delta.CompletedDelta,
		delta.InProgressDelta,
		delta.RemainingDelta,
		delta.FailedDelta,
		delta.MinutesDelta,
		delta.CostDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}

// Recompute re-derives the aggregates from the lead table and stores them.
// The aggregates must always match what a full scan produces; this is the
// consistency check for the incrementally maintained row.
func (r *StatsRepository) Recompute(ctx context.Context) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE campaign_stats SET
			completed_calls = agg.completed,
			in_progress_calls = agg.in_progress,
			remaining_calls = agg.remaining,
			failed_calls = agg.failed,
			total_minutes = agg.minutes,
			total_cost = agg.cost,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'completed') AS completed,
				COUNT(*) FILTER (WHERE status = 'in_progress') AS in_progress,
				COUNT(*) FILTER (WHERE status = 'pending') AS remaining,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COALESCE(SUM(duration_minutes), 0) AS minutes,
				COALESCE(SUM(cost), 0) AS cost
			FROM leads
		) AS agg
		WHERE campaign_stats.id = $1
		RETURNING agg.completed AS completed_calls, agg.in_progress AS in_progress_calls,
			agg.remaining AS remaining_calls, agg.failed AS failed_calls,
			agg.minutes AS total_minutes, agg.cost AS total_cost`, statsRowID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: recompute: %w", err)
	}
	stats := rec.toDomain()
	return &stats, nil
}

type statsRecord struct {
	Completed    int64   `db:"completed_calls"`
	InProgress   int64   `db:"in_progress_calls"`
	Remaining    int64   `db:"remaining_calls"`
	Failed       int64   `db:"failed_calls"`
	TotalMinutes float64 `db:"total_minutes"`
	TotalCost    float64 `db:"total_cost"`
}

func (r statsRecord) toDomain() domain.CampaignStats {
	return domain.CampaignStats{
		Completed:    r.Completed,
		InProgress:   r.InProgress,
		Remaining:    r.Remaining,
		Failed:       r.Failed,
		TotalMinutes: r.TotalMinutes,
		TotalCost:    r.TotalCost,
	}
}
