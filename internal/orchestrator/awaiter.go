package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/model"
)

// StatusSource reports job states.
type StatusSource interface {
	QueryStatus(ctx context.Context, jobID string) (model.WorkflowStatus, error)
}

// QueuePoller waits for a job by polling the backend queue at a fixed
// interval. Progress is only known at the ends: 0 while queued or running
// and 1 once the job has left the queue.
type QueuePoller struct {
	source   StatusSource
	interval time.Duration
}

// NewQueuePoller returns a poller. A non-positive interval means one second.
func NewQueuePoller(source StatusSource, interval time.Duration) *QueuePoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &QueuePoller{source: source, interval: interval}
}

// Await implements Awaiter. The client id is unused.
func (p *QueuePoller) Await(ctx context.Context, _, jobID string, onProgress func(float64)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		st, err := p.source.QueryStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch st.State {
		case model.StateCompleted:
			if onProgress != nil {
				onProgress(1)
			}
			return nil
		case model.StateFailed:
			return model.NewJobFailedError(jobID, "")
		case model.StateCancelled:
			return model.NewJobCancelledError(jobID)
		}
		if onProgress != nil {
			onProgress(st.Progress)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("orchestrator: await %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// FallbackAwaiter tries primary and switches to secondary when primary
// cannot reach the backend at all, for example when the event stream is
// not exposed.
type FallbackAwaiter struct {
	primary   Awaiter
	secondary Awaiter
	logger    *zap.Logger
}

// NewFallbackAwaiter combines two awaiters.
func NewFallbackAwaiter(primary, secondary Awaiter, logger *zap.Logger) *FallbackAwaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackAwaiter{primary: primary, secondary: secondary, logger: logger}
}

// Await implements Awaiter.
func (f *FallbackAwaiter) Await(ctx context.Context, clientID, jobID string, onProgress func(float64)) error {
	err := f.primary.Await(ctx, clientID, jobID, onProgress)
	if err == nil || !model.HasCode(err, model.ErrBackendUnavailable) || ctx.Err() != nil {
		return err
	}
	f.logger.Warn("progress stream unavailable, polling the queue instead",
		zap.String("job_id", jobID),
		zap.Error(err),
	)
	return f.secondary.Await(ctx, clientID, jobID, onProgress)
}
