// Package outcome consumes call-outcome events from the outcome topic and
// feeds them through the reconciler, mirroring the HTTP webhook path.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-lead-dialer/internal/config"
	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/queue"
	"github.com/acme/outbound-lead-dialer/internal/reconcile"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

type reconciler interface {
	Process(ctx context.Context, n reconcile.Notification) (*reconcile.Result, error)
}

// Worker consumes outcome messages and reconciles them.
type Worker struct {
	kafka      *queue.Kafka
	reconciler reconciler
	cfg        config.KafkaConfig
	logger     *logger.Logger
	retryBase  time.Duration
	retryMax   time.Duration
}

// New creates a new outcome worker.
func New(kafka *queue.Kafka, svc *reconcile.Service, cfg config.KafkaConfig, lg *logger.Logger) *Worker {
	return &Worker{
		kafka:      kafka,
		reconciler: svc,
		cfg:        cfg,
		logger:     lg,
		retryBase:  retryBaseDelay,
		retryMax:   retryMaxDelay,
	}
}

// Run processes outcome events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	groupID := w.cfg.ConsumerGroupID + "-outcome"
	reader := w.kafka.NewReader(w.cfg.OutcomeTopic, groupID)
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outcome worker: fetch", zap.Error(err))
			continue
		}

		var outcome queue.OutcomeMessage
		if err := json.Unmarshal(msg.Value, &outcome); err != nil {
			w.logger.Error("outcome worker: unmarshal", zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		notification := reconcile.Notification{
			IdentityID:      outcome.IdentityID,
			CallRef:         outcome.CallRef,
			Status:          domain.CallOutcomeStatus(outcome.Status),
			Disposition:     outcome.Disposition,
			DurationMinutes: outcome.DurationMinutes,
		}

		if err := w.process(ctx, notification); err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outcome worker: commit", zap.Error(err))
		}
	}
}

// process applies one notification. Transient reconcile failures are retried
// in place with backoff: committing a later offset would also commit this
// one, so the worker must not fetch past an unapplied outcome. Returns only
// when the notification is handled or the context is cancelled.
func (w *Worker) process(ctx context.Context, n reconcile.Notification) error {
	delay := w.retryBase

	for {
		_, err := w.reconciler.Process(ctx, n)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrNotFound):
			// Rejected at the boundary. Treat as handled so a bad event
			// cannot wedge the partition, but keep it loud in the logs.
			w.logger.Error("outcome worker: rejected notification",
				zap.Error(err),
				zap.String("identity_id", n.IdentityID))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		w.logger.Error("outcome worker: process, retrying",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.String("identity_id", n.IdentityID))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > w.retryMax {
			delay = w.retryMax
		}
	}
}
