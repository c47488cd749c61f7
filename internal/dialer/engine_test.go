package dialer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-lead-dialer/internal/config"
	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/pool"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	"github.com/acme/outbound-lead-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

// manualTicker lets tests drive the pacing loop tick by tick.
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

// fire delivers one tick and returns once the loop has consumed it or the
// loop has gone away.
func (m *manualTicker) fire(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not consume tick")
	}
}

type memLeadRepo struct {
	mu    sync.Mutex
	leads []*domain.Lead
}

func (r *memLeadRepo) Create(_ context.Context, lead *domain.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, lead)
	return nil
}

func (r *memLeadRepo) BulkInsert(_ context.Context, leads []*domain.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads = append(r.leads, leads...)
	return nil
}

func (r *memLeadRepo) Get(_ context.Context, id uuid.UUID) (*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.ID == id {
			copied := *l
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memLeadRepo) List(_ context.Context, status domain.LeadStatus, _ int) ([]domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Lead
	for _, l := range r.leads {
		if status == "" || l.Status == status {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (r *memLeadRepo) NextPending(_ context.Context) (*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Lead
	for _, l := range r.leads {
		if l.Status != domain.LeadStatusPending {
			continue
		}
		if best == nil || l.CreatedAt.Before(best.CreatedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (r *memLeadRepo) CountPending(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, l := range r.leads {
		if l.Status == domain.LeadStatusPending {
			n++
		}
	}
	return n, nil
}

func (r *memLeadRepo) MostRecentInProgressByIdentity(context.Context, string) (*domain.Lead, error) {
	return nil, repository.ErrNotFound
}

func (r *memLeadRepo) MostRecentTerminalByIdentity(context.Context, string) (*domain.Lead, error) {
	return nil, repository.ErrNotFound
}

func (r *memLeadRepo) GetByCallRef(context.Context, string) (*domain.Lead, error) {
	return nil, repository.ErrNotFound
}

func (r *memLeadRepo) MarkInProgress(_ context.Context, id uuid.UUID, identityID string, callRef *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.ID != id {
			continue
		}
		if l.Status != domain.LeadStatusPending {
			return repository.ErrConflict
		}
		l.Status = domain.LeadStatusInProgress
		l.AssignedIdentityID = &identityID
		l.CallRef = callRef
		l.UpdatedAt = &at
		return nil
	}
	return repository.ErrNotFound
}

func (r *memLeadRepo) Finalize(_ context.Context, id uuid.UUID, status domain.LeadStatus, outcome *domain.Outcome, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.ID != id {
			continue
		}
		if l.Status.Terminal() {
			return repository.ErrConflict
		}
		l.Status = status
		l.Outcome = outcome
		l.UpdatedAt = &at
		return nil
	}
	return repository.ErrNotFound
}

type memIdentityRepo struct {
	mu         sync.Mutex
	identities []*domain.PhoneIdentity
	resetAt    time.Time
	resets     int
}

func (r *memIdentityRepo) Seed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.identities = append(r.identities, &domain.PhoneIdentity{ID: id, LastResetAt: r.resetAt})
	}
	return nil
}

func (r *memIdentityRepo) List(_ context.Context) ([]domain.PhoneIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PhoneIdentity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, *id)
	}
	return out, nil
}

func (r *memIdentityRepo) AcquireNext(_ context.Context, dailyLimit int, now time.Time) (*domain.PhoneIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*domain.PhoneIdentity, 0, len(r.identities))
	for _, id := range r.identities {
		if id.DailyCount < dailyLimit {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, repository.ErrNoIdentity
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.DailyCount != b.DailyCount {
			return a.DailyCount < b.DailyCount
		}
		au, bu := usedAt(a), usedAt(b)
		if !au.Equal(bu) {
			return au.Before(bu)
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	chosen.DailyCount++
	chosen.TotalCount++
	chosen.LastUsedAt = &now
	copied := *chosen
	return &copied, nil
}

func usedAt(id *domain.PhoneIdentity) time.Time {
	if id.LastUsedAt == nil {
		return time.Time{}
	}
	return *id.LastUsedAt
}

func (r *memIdentityRepo) OldestReset(_ context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.identities) == 0 {
		return time.Time{}, repository.ErrNotFound
	}
	oldest := r.identities[0].LastResetAt
	for _, id := range r.identities[1:] {
		if id.LastResetAt.Before(oldest) {
			oldest = id.LastResetAt
		}
	}
	return oldest, nil
}

func (r *memIdentityRepo) ResetAll(_ context.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		id.DailyCount = 0
		id.LastResetAt = now
	}
	r.resets++
	return nil
}

type memStatsRepo struct {
	mu    sync.Mutex
	stats domain.CampaignStats
}

func (r *memStatsRepo) Ensure(context.Context) error { return nil }

func (r *memStatsRepo) Get(context.Context) (*domain.CampaignStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := r.stats
	return &copied, nil
}

func (r *memStatsRepo) ApplyDelta(_ context.Context, delta repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Completed += delta.CompletedDelta
	r.stats.InProgress += delta.InProgressDelta
	r.stats.Remaining += delta.RemainingDelta
	r.stats.Failed += delta.FailedDelta
	r.stats.TotalMinutes += delta.MinutesDelta
	r.stats.TotalCost += delta.CostDelta
	return nil
}

func (r *memStatsRepo) Recompute(ctx context.Context) (*domain.CampaignStats, error) {
	return r.Get(ctx)
}

type scriptedProvider struct {
	mu    sync.Mutex
	calls []telephony.Request
	fail  bool
}

func (p *scriptedProvider) PlaceCall(_ context.Context, req telephony.Request) (telephony.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.fail {
		return telephony.Result{}, fmt.Errorf("bridge unreachable")
	}
	return telephony.Result{CallRef: fmt.Sprintf("call-%d", len(p.calls))}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type engineFixture struct {
	engine     *Engine
	leads      *memLeadRepo
	identities *memIdentityRepo
	stats      *memStatsRepo
	provider   *scriptedProvider
	ticker     *manualTicker
}

func newEngineFixture(t *testing.T, cfg config.DialerConfig, pending int) *engineFixture {
	t.Helper()
	return newEngineFixtureWith(t, cfg, pending, 3, nil)
}

func newEngineFixtureWith(t *testing.T, cfg config.DialerConfig, pending, identityCount int, loopCtx context.Context) *engineFixture {
	t.Helper()

	leads := &memLeadRepo{}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < pending; i++ {
		_ = leads.Create(context.Background(), &domain.Lead{
			ID:          uuid.New(),
			Name:        fmt.Sprintf("Lead %d", i),
			PhoneNumber: fmt.Sprintf("+1650253%04d", i),
			Status:      domain.LeadStatusPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}

	identities := &memIdentityRepo{resetAt: base}
	identityPool := pool.New(identities, func() time.Time { return base })
	require.NoError(t, identityPool.Seed(context.Background(), identityCount))

	stats := &memStatsRepo{stats: domain.CampaignStats{Remaining: int64(pending)}}
	provider := &scriptedProvider{}
	ticker := newManualTicker()

	engine := New(leads, identityPool, stats, provider, logger.Nop(), cfg, Options{
		Clock:       func() time.Time { return base },
		Ticker:      func(time.Duration) Ticker { return ticker },
		BaseContext: loopCtx,
	})

	return &engineFixture{
		engine:     engine,
		leads:      leads,
		identities: identities,
		stats:      stats,
		provider:   provider,
		ticker:     ticker,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testDialerConfig() config.DialerConfig {
	return config.DialerConfig{
		PacingRate: 1,
		DailyLimit: 2,
	}
}

func TestIntervalFromRate(t *testing.T) {
	assert.Equal(t, time.Second, Interval(1))
	assert.Equal(t, 500*time.Millisecond, Interval(2))
	assert.Equal(t, 2*time.Second, Interval(0.5))
}

func TestStartRejectsWhenNothingPending(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 0)
	err := f.engine.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrExhausted)
	assert.False(t, f.engine.Running())
}

func TestStartRejectsWhenAlreadyRunning(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 2)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	err := f.engine.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestTickDispatchesOneLead(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 2)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 1 }, "call was not placed")
	waitFor(t, func() bool {
		inProgress, _ := f.leads.List(context.Background(), domain.LeadStatusInProgress, 0)
		return len(inProgress) == 1
	}, "lead was not marked in progress")

	inProgress, err := f.leads.List(context.Background(), domain.LeadStatusInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	lead := inProgress[0]
	require.NotNil(t, lead.AssignedIdentityID)
	assert.Equal(t, "phone_001", *lead.AssignedIdentityID, "least-used tie breaks on lowest id")
	require.NotNil(t, lead.CallRef)
	assert.Equal(t, "call-1", *lead.CallRef)

	stats, err := f.stats.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Remaining)
	assert.Equal(t, int64(1), stats.InProgress)
}

func TestFailedPlacementIsTerminal(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 1)
	f.provider.fail = true
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	f.ticker.fire(t)
	waitFor(t, func() bool {
		failed, _ := f.leads.List(context.Background(), domain.LeadStatusFailed, 0)
		return len(failed) == 1
	}, "lead was not marked failed")

	stats, err := f.stats.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Remaining)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.InProgress)

	// The attempt consumed pool capacity even though it failed.
	identities, err := f.identities.List(context.Background())
	require.NoError(t, err)
	var charged int
	for _, id := range identities {
		charged += id.DailyCount
	}
	assert.Equal(t, 1, charged)
}

func TestLoopStopsWhenExhausted(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 1)
	require.NoError(t, f.engine.Start(context.Background()))

	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 1 }, "call was not placed")

	// Next tick finds no pending lead and settles the engine back to Idle.
	f.ticker.fire(t)
	waitFor(t, func() bool { return !f.engine.Running() }, "engine did not stop on exhaustion")

	// A fresh Start is rejected while there is still nothing to process.
	err := f.engine.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrExhausted)
}

func TestNoIdentityLeavesLeadPending(t *testing.T) {
	cfg := testDialerConfig()
	cfg.DailyLimit = 1
	f := newEngineFixture(t, cfg, 5)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	// 3 identities at cap 1: three dispatches, then the pool is exhausted.
	for i := 0; i < 3; i++ {
		f.ticker.fire(t)
	}
	waitFor(t, func() bool { return f.provider.callCount() == 3 }, "expected three placed calls")

	f.ticker.fire(t)
	waitFor(t, func() bool {
		pending, _ := f.leads.CountPending(context.Background())
		return pending == 2
	}, "unexpected pending count")

	assert.True(t, f.engine.Running(), "pool exhaustion must not stop the loop")
	assert.Equal(t, 3, f.provider.callCount(), "no call may be placed without an identity")
}

func TestSingleIdentityReusedUntilCap(t *testing.T) {
	cfg := testDialerConfig()
	cfg.DailyLimit = 2
	f := newEngineFixtureWith(t, cfg, 3, 1, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	f.ticker.fire(t)
	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 2 }, "expected two placed calls")
	waitFor(t, func() bool {
		inProgress, _ := f.leads.List(context.Background(), domain.LeadStatusInProgress, 0)
		return len(inProgress) == 2
	}, "two leads must be in progress")

	inProgress, err := f.leads.List(context.Background(), domain.LeadStatusInProgress, 0)
	require.NoError(t, err)
	for _, lead := range inProgress {
		require.NotNil(t, lead.AssignedIdentityID)
		assert.Equal(t, "phone_001", *lead.AssignedIdentityID, "both dispatches share the only identity")
	}

	identities, err := f.identities.List(context.Background())
	require.NoError(t, err)
	require.Len(t, identities, 1)
	assert.Equal(t, 2, identities[0].DailyCount)

	// Third tick: the identity is at cap, the lead stays pending and the
	// loop keeps running.
	f.ticker.fire(t)
	waitFor(t, func() bool {
		pending, _ := f.leads.CountPending(context.Background())
		return pending == 1
	}, "unexpected pending count")
	assert.True(t, f.engine.Running())
	assert.Equal(t, 2, f.provider.callCount())
	identities, err = f.identities.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, identities[0].DailyCount, "capped identity must not be charged again")
}

func TestLoopOutlivesStartContext(t *testing.T) {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	f := newEngineFixtureWith(t, testDialerConfig(), 2, 3, loopCtx)

	// The caller's context dies as soon as Start returns, the way a request
	// context does. The loop must keep running on its own context.
	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, f.engine.Start(startCtx))
	cancelStart()

	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 1 }, "loop died with the caller's context")
	assert.True(t, f.engine.Running())

	// Cancelling the engine's own context does end the loop.
	stopLoop()
	f.engine.Stop()
	assert.False(t, f.engine.Running())
}

func TestSetRateValidation(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 1)

	require.ErrorIs(t, f.engine.SetRate(0.1), apperrors.ErrValidation)
	require.ErrorIs(t, f.engine.SetRate(11), apperrors.ErrValidation)

	require.NoError(t, f.engine.SetRate(2.5))
	assert.Equal(t, 2.5, f.engine.Rate())
}

func TestSetRateWhileRunningRestartsLoop(t *testing.T) {
	f := newEngineFixture(t, testDialerConfig(), 3)
	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 1 }, "call was not placed")

	require.NoError(t, f.engine.SetRate(4))
	assert.True(t, f.engine.Running())

	// The restarted loop keeps dispatching, exactly one lead per tick.
	f.ticker.fire(t)
	waitFor(t, func() bool { return f.provider.callCount() == 2 }, "restarted loop did not dispatch")
	assert.Equal(t, 2, f.provider.callCount())
}

func TestRunResetLoop(t *testing.T) {
	f := newEngineFixture(t, config.DialerConfig{PacingRate: 1, DailyLimit: 2, ResetCheckInterval: time.Hour}, 0)

	// Age the pool past the reset window relative to the engine clock.
	f.identities.mu.Lock()
	stale := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(-25 * time.Hour)
	for _, id := range f.identities.identities {
		id.DailyCount = 2
		id.LastResetAt = stale
	}
	f.identities.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.RunResetLoop(ctx) }()

	f.ticker.fire(t)
	waitFor(t, func() bool {
		f.identities.mu.Lock()
		defer f.identities.mu.Unlock()
		return f.identities.resets == 1
	}, "daily counters were not reset")

	identities, err := f.identities.List(context.Background())
	require.NoError(t, err)
	for _, id := range identities {
		assert.Zero(t, id.DailyCount)
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
