// Package pool owns the phone identity pool: least-used selection under a
// daily cap, and the rolling 24h counter reset.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/repository"
)

// ResetWindow is how old the oldest reset stamp must be before daily
// counters roll over.
const ResetWindow = 24 * time.Hour

// IdentityPool allocates phone identities to dispatch ticks.
type IdentityPool struct {
	identities repository.IdentityRepository
	now        func() time.Time
}

// New constructs a pool. A nil clock defaults to time.Now.
func New(identities repository.IdentityRepository, clock func() time.Time) *IdentityPool {
	if clock == nil {
		clock = time.Now
	}
	return &IdentityPool{identities: identities, now: clock}
}

// Seed provisions identities that are not present yet.
func (p *IdentityPool) Seed(ctx context.Context, count int) error {
	ids := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		ids = append(ids, fmt.Sprintf("phone_%03d", i))
	}
	return p.identities.Seed(ctx, ids)
}

// Acquire charges one call to the least-used identity under dailyLimit.
// Returns repository.ErrNoIdentity when the whole pool is at cap; callers
// treat that as a transient condition, not a fault.
func (p *IdentityPool) Acquire(ctx context.Context, dailyLimit int) (*domain.PhoneIdentity, error) {
	if dailyLimit <= 0 {
		return nil, fmt.Errorf("identity pool: daily limit must be positive, got %d", dailyLimit)
	}
	return p.identities.AcquireNext(ctx, dailyLimit, p.now().UTC())
}

// ResetIfStale zeroes every daily counter when the oldest reset stamp across
// the pool is at least ResetWindow old. Reports whether a reset happened.
func (p *IdentityPool) ResetIfStale(ctx context.Context, now time.Time) (bool, error) {
	oldest, err := p.identities.OldestReset(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// empty pool, nothing to reset
			return false, nil
		}
		return false, fmt.Errorf("identity pool: oldest reset: %w", err)
	}

	if now.Sub(oldest) < ResetWindow {
		return false, nil
	}

	if err := p.identities.ResetAll(ctx, now.UTC()); err != nil {
		return false, fmt.Errorf("identity pool: reset all: %w", err)
	}
	return true, nil
}

// Snapshot returns the current pool state, least-used first.
func (p *IdentityPool) Snapshot(ctx context.Context) ([]domain.PhoneIdentity, error) {
	return p.identities.List(ctx)
}
