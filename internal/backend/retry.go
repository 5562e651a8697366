package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// Retrying decorates a Client with exponential backoff. Only envelopes
// that report Retryable are repeated; every other error is returned on the
// first attempt. Health probes and Close pass straight through.
type Retrying struct {
	*Client
	cfg config.RetryConfig
}

// NewRetrying wraps c with the retry policy in cfg.
func NewRetrying(c *Client, cfg config.RetryConfig) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Retrying{Client: c, cfg: cfg}
}

// Submit retries Client.Submit.
func (r *Retrying) Submit(ctx context.Context, g *model.RequestGraph) (string, error) {
	return retryValue(ctx, r, OpSubmit, func() (string, error) {
		return r.Client.Submit(ctx, g)
	})
}

// QueryStatus retries Client.QueryStatus.
func (r *Retrying) QueryStatus(ctx context.Context, jobID string) (model.WorkflowStatus, error) {
	return retryValue(ctx, r, OpQueryStatus, func() (model.WorkflowStatus, error) {
		return r.Client.QueryStatus(ctx, jobID)
	})
}

// FetchResult retries Client.FetchResult.
func (r *Retrying) FetchResult(ctx context.Context, jobID string) (*model.GenerationResult, error) {
	return retryValue(ctx, r, OpFetchResult, func() (*model.GenerationResult, error) {
		return r.Client.FetchResult(ctx, jobID)
	})
}

// FetchArtifact retries Client.FetchArtifact.
func (r *Retrying) FetchArtifact(ctx context.Context, name, subfolder, kind string) ([]byte, error) {
	return retryValue(ctx, r, OpFetchArtifact, func() ([]byte, error) {
		return r.Client.FetchArtifact(ctx, name, subfolder, kind)
	})
}

// Cancel retries the queue deletion and the interrupt independently, so a
// retried interrupt never re-sends a deletion that already went through.
func (r *Retrying) Cancel(ctx context.Context, jobIDs []string, interruptRunning bool) (bool, error) {
	if len(jobIDs) == 0 && !interruptRunning {
		return r.Client.Cancel(ctx, jobIDs, interruptRunning)
	}
	if len(jobIDs) > 0 {
		if _, err := retryValue(ctx, r, OpCancel, func() (bool, error) {
			return r.Client.Cancel(ctx, jobIDs, false)
		}); err != nil {
			return false, err
		}
	}
	if interruptRunning {
		if _, err := retryValue(ctx, r, OpInterrupt, func() (bool, error) {
			return r.Client.Cancel(ctx, nil, true)
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Retrying) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.cfg.BackoffInitial),
		backoff.WithMultiplier(r.cfg.BackoffMultiplier),
		backoff.WithRandomizationFactor(r.cfg.Jitter),
		backoff.WithMaxInterval(r.cfg.BackoffMax),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}

func retryValue[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !model.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.RecordBackendRetry(op)
		observability.CallLogger(ctx, r.logger).Warn("retrying backend request",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(operation, r.newBackOff(ctx), notify)
}
