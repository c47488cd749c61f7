// Package dialer runs the pacing-controlled dispatch loop: one pending lead
// and one phone identity per tick, one call placed, one transition applied.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-lead-dialer/internal/config"
	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/pool"
	"github.com/acme/outbound-lead-dialer/internal/queue"
	"github.com/acme/outbound-lead-dialer/internal/repository"
	"github.com/acme/outbound-lead-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

// EventSink publishes lead transitions and stats snapshots downstream.
type EventSink interface {
	PublishLeadEvent(ctx context.Context, msg queue.LeadEventMessage) error
	PublishStats(ctx context.Context, stats domain.CampaignStats) error
}

// RunLock serializes dispatch loops across dialer instances.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Engine is the dispatch loop. It is Idle until Start and returns to Idle
// when stopped or when the campaign is exhausted.
type Engine struct {
	leads    repository.LeadRepository
	pool     *pool.IdentityPool
	stats    repository.StatsRepository
	dialLog  repository.DialLogStore
	provider telephony.Provider
	events   EventSink
	lock     RunLock
	logger   *logger.Logger
	cfg      config.DialerConfig

	now       func() time.Time
	newTicker TickerFactory
	base      context.Context

	mu      sync.Mutex
	rate    float64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options carries the optional collaborators.
type Options struct {
	DialLog repository.DialLogStore
	Events  EventSink
	Lock    RunLock
	Clock   func() time.Time
	Ticker  TickerFactory
	// BaseContext bounds the lifetime of the dispatch loop. It must outlive
	// any single Start call: the loop runs until Stop, exhaustion or this
	// context's cancellation, never until some caller's request context.
	BaseContext context.Context
}

// New constructs an engine. Zero-value Options fall back to real time and no
// dial log, events or lock.
func New(
	leads repository.LeadRepository,
	identityPool *pool.IdentityPool,
	stats repository.StatsRepository,
	provider telephony.Provider,
	lg *logger.Logger,
	cfg config.DialerConfig,
	opts Options,
) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ticker := opts.Ticker
	if ticker == nil {
		ticker = NewRealTicker
	}
	rate := cfg.PacingRate
	if rate < config.MinPacingRate || rate > config.MaxPacingRate {
		rate = 1
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Engine{
		leads:     leads,
		pool:      identityPool,
		stats:     stats,
		dialLog:   opts.DialLog,
		provider:  provider,
		events:    opts.Events,
		lock:      opts.Lock,
		logger:    lg,
		cfg:       cfg,
		now:       clock,
		newTicker: ticker,
		base:      base,
		rate:      rate,
	}
}

// Running reports whether the dispatch loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Rate returns the current pacing rate in calls per second.
func (e *Engine) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// Interval derives the tick interval from the pacing rate.
func Interval(rate float64) time.Duration {
	return time.Duration(float64(time.Second) / rate)
}

// Start begins the dispatch loop. It is rejected when already running and
// when there is nothing to process. ctx bounds only the startup checks;
// the loop itself runs on the engine's base context, so callers may pass a
// short-lived request context safely.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("%w: dialer already running", apperrors.ErrConflict)
	}

	pending, err := e.leads.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("dialer: count pending: %w", err)
	}
	if pending == 0 {
		return fmt.Errorf("%w: nothing to process", apperrors.ErrExhausted)
	}

	if e.lock != nil {
		acquired, err := e.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("dialer: acquire run lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("%w: another dialer holds the run lock", apperrors.ErrConflict)
		}
	}

	e.startLoopLocked()
	e.logger.Info("dialer: started",
		zap.Float64("rate", e.rate),
		zap.Duration("interval", Interval(e.rate)),
		zap.Int64("pending", pending))
	return nil
}

// Stop cancels the pending tick timer and returns the engine to Idle. An
// outbound call already issued is not cancelled; its webhook will still be
// absorbed by the reconciler.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.stopLoopLocked()
	if e.lock != nil {
		if err := e.lock.Release(context.Background()); err != nil {
			e.logger.Warn("dialer: release run lock", zap.Error(err))
		}
	}
	e.mu.Unlock()
	e.logger.Info("dialer: stopped")
}

// SetRate changes the pacing rate. While running the loop restarts so the
// new tick interval takes effect; the restart never dispatches a lead twice.
func (e *Engine) SetRate(rate float64) error {
	if rate < config.MinPacingRate || rate > config.MaxPacingRate {
		return fmt.Errorf("%w: pacing rate %.2f outside [%.1f, %d]",
			apperrors.ErrValidation, rate, config.MinPacingRate, config.MaxPacingRate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rate = rate
	if !e.running {
		return nil
	}

	e.stopLoopLocked()
	e.startLoopLocked()
	e.logger.Info("dialer: pacing changed",
		zap.Float64("rate", rate),
		zap.Duration("interval", Interval(rate)))
	return nil
}

// startLoopLocked spawns the loop goroutine. Caller holds e.mu.
func (e *Engine) startLoopLocked() {
	ctx, cancel := context.WithCancel(e.base)
	done := make(chan struct{})
	e.cancel = cancel
	e.running = true
	e.done = done

	interval := Interval(e.rate)
	go e.loop(ctx, interval, done)
}

// stopLoopLocked cancels the loop and waits until the in-flight tick has
// returned. Caller holds e.mu.
func (e *Engine) stopLoopLocked() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
	e.cancel = nil
	e.done = nil
	e.running = false
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := e.newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		exhausted := e.tick(ctx)
		if exhausted {
			// Returning to Idle from inside the loop: the loop goroutine
			// cannot take e.mu through Stop without deadlocking on done.
			go e.settleExhausted(done)
			return
		}

		if e.lock != nil {
			if err := e.lock.Refresh(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("dialer: refresh run lock", zap.Error(err))
			}
		}
	}
}

func (e *Engine) settleExhausted(done chan struct{}) {
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != done {
		// A Stop or rate-change restart already superseded this loop.
		return
	}
	e.cancel = nil
	e.done = nil
	e.running = false
	if e.lock != nil {
		if err := e.lock.Release(context.Background()); err != nil {
			e.logger.Warn("dialer: release run lock", zap.Error(err))
		}
	}
}

// tick processes at most one lead. It reports whether the campaign is
// exhausted and the loop should stop.
func (e *Engine) tick(ctx context.Context) bool {
	tracer := otel.Tracer("outbound.dialer")
	sctx, span := tracer.Start(ctx, "dialer.tick")
	defer span.End()

	lead, err := e.leads.NextPending(sctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Info("dialer: campaign exhausted, all leads processed")
			return true
		}
		if ctx.Err() == nil {
			span.RecordError(err)
			e.logger.Error("dialer: fetch next pending", zap.Error(err))
		}
		return false
	}
	span.SetAttributes(attribute.String("lead.id", lead.ID.String()))

	identity, err := e.pool.Acquire(sctx, e.cfg.DailyLimit)
	if err != nil {
		if errors.Is(err, repository.ErrNoIdentity) {
			// Transient: every identity is at cap. The lead stays pending
			// and the loop keeps running.
			span.SetAttributes(attribute.Bool("identity.exhausted", true))
			e.logger.Warn("dialer: no identity under daily cap, skipping tick",
				zap.String("lead_id", lead.ID.String()))
			return false
		}
		if ctx.Err() == nil {
			span.RecordError(err)
			e.logger.Error("dialer: acquire identity", zap.Error(err))
		}
		return false
	}
	span.SetAttributes(attribute.String("identity.id", identity.ID))

	e.placeCall(sctx, span, lead, identity)
	e.publishStats(sctx)
	return false
}

func (e *Engine) placeCall(ctx context.Context, span trace.Span, lead *domain.Lead, identity *domain.PhoneIdentity) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	result, callErr := e.provider.PlaceCall(callCtx, telephony.Request{
		PhoneNumber: lead.PhoneNumber,
		Name:        lead.Name,
		IdentityID:  identity.ID,
	})
	cancel()

	now := e.now().UTC()
	e.appendDialLog(ctx, lead, identity, result, callErr, now)

	if callErr != nil {
		// Identity usage is charged regardless: the attempt consumed
		// capacity. The lead is terminal, no automatic retry.
		span.RecordError(callErr)
		e.logger.Error("dialer: call placement failed",
			zap.String("lead_id", lead.ID.String()),
			zap.String("identity_id", identity.ID),
			zap.Error(callErr))

		if err := e.leads.Finalize(ctx, lead.ID, domain.LeadStatusFailed, nil, now); err != nil {
			e.logger.Error("dialer: persist failed lead", zap.Error(err), zap.String("lead_id", lead.ID.String()))
			return
		}
		if err := e.stats.ApplyDelta(ctx, repository.StatsDelta{RemainingDelta: -1, FailedDelta: 1}); err != nil {
			e.logger.Error("dialer: apply stats delta", zap.Error(err))
		}
		e.publishLeadEvent(ctx, lead.ID, identity.ID, domain.LeadStatusFailed, now)
		return
	}

	var callRef *string
	if result.CallRef != "" {
		ref := result.CallRef
		callRef = &ref
	}

	if err := e.leads.MarkInProgress(ctx, lead.ID, identity.ID, callRef, now); err != nil {
		e.logger.Error("dialer: persist in-progress lead", zap.Error(err), zap.String("lead_id", lead.ID.String()))
		return
	}
	if err := e.stats.ApplyDelta(ctx, repository.StatsDelta{RemainingDelta: -1, InProgressDelta: 1}); err != nil {
		e.logger.Error("dialer: apply stats delta", zap.Error(err))
	}
	e.publishLeadEvent(ctx, lead.ID, identity.ID, domain.LeadStatusInProgress, now)

	e.logger.Info("dialer: call placed",
		zap.String("lead_id", lead.ID.String()),
		zap.String("identity_id", identity.ID),
		zap.String("phone", lead.PhoneNumber))
}

// callTimeout bounds the placement step so a tick can never block
// indefinitely; expiry counts as a failed placement.
func (e *Engine) callTimeout() time.Duration {
	if e.cfg.CallTimeout > 0 {
		return e.cfg.CallTimeout
	}
	return 10 * time.Second
}

func (e *Engine) appendDialLog(ctx context.Context, lead *domain.Lead, identity *domain.PhoneIdentity, result telephony.Result, callErr error, now time.Time) {
	if e.dialLog == nil {
		return
	}
	attempt := domain.DialAttempt{
		ID:          uuid.New(),
		LeadID:      lead.ID,
		IdentityID:  identity.ID,
		PhoneNumber: lead.PhoneNumber,
		Placed:      callErr == nil,
		CreatedAt:   now,
	}
	if callErr != nil {
		attempt.Error = callErr.Error()
	}
	if err := e.dialLog.AppendAttempt(ctx, attempt); err != nil {
		e.logger.Warn("dialer: append dial log", zap.Error(err))
	}
}

func (e *Engine) publishLeadEvent(ctx context.Context, leadID uuid.UUID, identityID string, status domain.LeadStatus, at time.Time) {
	if e.events == nil {
		return
	}
	err := e.events.PublishLeadEvent(ctx, queue.LeadEventMessage{
		LeadID:     leadID,
		IdentityID: identityID,
		Status:     status,
		OccurredAt: at,
	})
	if err != nil {
		e.logger.Warn("dialer: publish lead event", zap.Error(err))
	}
}

func (e *Engine) publishStats(ctx context.Context) {
	if e.events == nil {
		return
	}
	stats, err := e.stats.Get(ctx)
	if err != nil {
		e.logger.Warn("dialer: read stats for snapshot", zap.Error(err))
		return
	}
	if err := e.events.PublishStats(ctx, *stats); err != nil {
		e.logger.Warn("dialer: publish stats", zap.Error(err))
	}
}

// RunResetLoop checks the identity pool for a stale daily window on a fixed
// interval, independent of the dispatch pacing. Blocks until ctx is done.
func (e *Engine) RunResetLoop(ctx context.Context) error {
	interval := e.cfg.ResetCheckInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := e.newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		reset, err := e.pool.ResetIfStale(ctx, e.now().UTC())
		if err != nil && ctx.Err() == nil {
			e.logger.Error("dialer: daily reset check", zap.Error(err))
			continue
		}
		if reset {
			e.logger.Info("dialer: daily identity counters reset")
		}
	}
}
