package outcome

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-lead-dialer/internal/domain"
	"github.com/acme/outbound-lead-dialer/internal/reconcile"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
	"github.com/acme/outbound-lead-dialer/pkg/logger"
)

type scriptedReconciler struct {
	errs  []error
	calls int
}

func (s *scriptedReconciler) Process(_ context.Context, _ reconcile.Notification) (*reconcile.Result, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return &reconcile.Result{}, nil
}

// stuckReconciler fails every delivery, as a store outage would.
type stuckReconciler struct{}

func (stuckReconciler) Process(context.Context, reconcile.Notification) (*reconcile.Result, error) {
	return nil, fmt.Errorf("store unavailable")
}

func newTestWorker(r reconciler) *Worker {
	return &Worker{
		reconciler: r,
		logger:     logger.Nop(),
		retryBase:  time.Millisecond,
		retryMax:   5 * time.Millisecond,
	}
}

func testNotification() reconcile.Notification {
	return reconcile.Notification{
		IdentityID: "phone_001",
		Status:     domain.CallOutcomeCompleted,
	}
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	r := &scriptedReconciler{errs: []error{
		fmt.Errorf("store unavailable"),
		fmt.Errorf("store unavailable"),
	}}
	w := newTestWorker(r)

	err := w.process(context.Background(), testNotification())
	require.NoError(t, err)
	assert.Equal(t, 3, r.calls, "must retry in place until the notification applies")
}

func TestProcessDoesNotRetryRejections(t *testing.T) {
	cases := []error{
		fmt.Errorf("%w: bad payload", apperrors.ErrValidation),
		reconcile.ErrLeadNotFound,
	}
	for _, rejectErr := range cases {
		r := &scriptedReconciler{errs: []error{rejectErr, rejectErr, rejectErr}}
		w := newTestWorker(r)

		err := w.process(context.Background(), testNotification())
		require.NoError(t, err, "rejections are handled, not retried")
		assert.Equal(t, 1, r.calls, "rejection %v must not be retried", rejectErr)
	}
}

func TestProcessStopsOnCancel(t *testing.T) {
	w := newTestWorker(&stuckReconciler{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	err := w.process(ctx, testNotification())
	require.ErrorIs(t, err, context.Canceled)
}
