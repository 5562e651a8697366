package model

// GenerationResult is the outcome of one successful generation.
type GenerationResult struct {
	ArtifactPaths        []string       `json:"artifact_paths"`
	ExecutionTimeSeconds float64        `json:"execution_time"`
	Metadata             map[string]any `json:"metadata"`
	JobID                string         `json:"prompt_id,omitempty"`
	CorrelationID        string         `json:"client_id,omitempty"`
	Seed                 *int64         `json:"seed"`
}

// WorkflowState is the lifecycle state of a submitted job.
type WorkflowState string

const (
	StatePending   WorkflowState = "pending"
	StateQueued    WorkflowState = "queued"
	StateRunning   WorkflowState = "running"
	StateCompleted WorkflowState = "completed"
	StateFailed    WorkflowState = "failed"
	StateCancelled WorkflowState = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WorkflowStatus is a snapshot of a job's state. QueuePosition is set only
// when State is StateQueued.
type WorkflowStatus struct {
	State         WorkflowState `json:"state"`
	QueuePosition *int          `json:"queue_position"`
	Progress      float64       `json:"progress"`
}
