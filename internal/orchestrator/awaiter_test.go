package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/comfyflow/model"
)

func intPtr(i int) *int { return &i }

func TestQueuePoller_waits_for_completion(t *testing.T) {
	backend := &fakeBackend{statuses: []model.WorkflowStatus{
		{State: model.StateQueued, QueuePosition: intPtr(1)},
		{State: model.StateQueued, QueuePosition: intPtr(0)},
		{State: model.StateRunning},
		{State: model.StateCompleted, Progress: 1},
	}}

	var seen []float64
	err := NewQueuePoller(backend, time.Millisecond).Await(context.Background(), "c", "job-1", func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 1}, seen)
	assert.Empty(t, backend.statuses)
}

func TestQueuePoller_terminal_failures(t *testing.T) {
	failed := &fakeBackend{statuses: []model.WorkflowStatus{{State: model.StateFailed}}}
	err := NewQueuePoller(failed, time.Millisecond).Await(context.Background(), "c", "job-1", nil)
	assert.True(t, model.HasCode(err, model.ErrJobFailed), "err = %v", err)

	cancelled := &fakeBackend{statuses: []model.WorkflowStatus{{State: model.StateCancelled}}}
	err = NewQueuePoller(cancelled, time.Millisecond).Await(context.Background(), "c", "job-1", nil)
	assert.True(t, model.HasCode(err, model.ErrJobCancelled), "err = %v", err)
}

type erroringStatus struct{ err error }

func (e erroringStatus) QueryStatus(context.Context, string) (model.WorkflowStatus, error) {
	return model.WorkflowStatus{}, e.err
}

func TestQueuePoller_status_error(t *testing.T) {
	err := NewQueuePoller(erroringStatus{model.NewBackendTimeoutError()}, time.Millisecond).
		Await(context.Background(), "c", "job-1", nil)
	assert.True(t, model.HasCode(err, model.ErrBackendTimeout), "err = %v", err)
}

type stuckStatus struct{}

func (stuckStatus) QueryStatus(context.Context, string) (model.WorkflowStatus, error) {
	return model.WorkflowStatus{State: model.StateRunning}, nil
}

func TestQueuePoller_honours_context(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewQueuePoller(stuckStatus{}, time.Millisecond).Await(ctx, "c", "job-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewQueuePoller_default_interval(t *testing.T) {
	assert.Equal(t, time.Second, NewQueuePoller(stuckStatus{}, 0).interval)
}

func TestFallbackAwaiter(t *testing.T) {
	tests := []struct {
		name          string
		primaryErr    error
		wantSecondary bool
		wantCode      string
	}{
		{"primary succeeds", nil, false, ""},
		{"stream unavailable", model.NewBackendUnavailableError("progress stream closed"), true, ""},
		{"job failed", model.NewJobFailedError("job-1", "oom"), false, model.ErrJobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &recordingAwaiter{err: tt.primaryErr}
			secondary := &recordingAwaiter{}

			err := NewFallbackAwaiter(primary, secondary, nil).Await(context.Background(), "c", "job-1", nil)
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, model.HasCode(err, tt.wantCode), "err = %v", err)
			}
			assert.Len(t, primary.calls, 1)
			assert.Equal(t, tt.wantSecondary, len(secondary.calls) == 1)
		})
	}
}
