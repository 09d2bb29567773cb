package jobs

import (
	"context"
	"time"

	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/metrics"
)

// TaskCanceller stops a delegated task at the render provider.
type TaskCanceller interface {
	CancelTask(ctx context.Context, taskID string) error
}

type cancelRequest struct {
	jobID   string
	taskID  string
	attempt int
}

// CancelNotifier delivers provider-side cancellations asynchronously,
// decoupled from the local cancel path. Local cancellation succeeds
// whether or not the provider ever hears about it; delivery is retried
// with backoff and failures are counted, not propagated.
type CancelNotifier struct {
	provider TaskCanceller
	logger   *logging.Logger
	requests chan cancelRequest
	maxTries int
	backoff  time.Duration
}

// NewCancelNotifier creates a notifier. Start must be called before
// Enqueue has any effect.
func NewCancelNotifier(provider TaskCanceller, logger *logging.Logger) *CancelNotifier {
	return &CancelNotifier{
		provider: provider,
		logger:   logger,
		requests: make(chan cancelRequest, 256),
		maxTries: 3,
		backoff:  2 * time.Second,
	}
}

// Enqueue schedules a provider cancellation. Never blocks the caller: if
// the buffer is full the notification is dropped and counted.
func (n *CancelNotifier) Enqueue(jobID, taskID string) {
	select {
	case n.requests <- cancelRequest{jobID: jobID, taskID: taskID}:
	default:
		metrics.ProviderCancelDropped.Inc()
		n.logger.WithJobID(jobID).Warn("cancel notification buffer full, dropping")
	}
}

// Start runs the delivery loop until the context is cancelled.
func (n *CancelNotifier) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-n.requests:
			n.deliver(ctx, req)
		}
	}
}

func (n *CancelNotifier) deliver(ctx context.Context, req cancelRequest) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := n.provider.CancelTask(cctx, req.taskID)
	cancel()

	if err == nil {
		metrics.ProviderCancelsTotal.WithLabelValues("ok").Inc()
		return
	}

	req.attempt++
	if req.attempt >= n.maxTries {
		metrics.ProviderCancelsTotal.WithLabelValues("gave_up").Inc()
		n.logger.WithJobID(req.jobID).
			WithField("task_id", req.taskID).
			ErrorWithErr("provider cancellation abandoned", err)
		return
	}

	metrics.ProviderCancelsTotal.WithLabelValues("retry").Inc()
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(n.backoff * time.Duration(req.attempt)):
			select {
			case n.requests <- req:
			default:
				metrics.ProviderCancelDropped.Inc()
			}
		}
	}()
}
