package v1

import "encoding/json"

// StepType identifies the dispatch semantics of a workflow step.
type StepType string

const (
	StepTypeTask       StepType = "task"
	StepTypeSpawn      StepType = "spawn"
	StepTypeCheckpoint StepType = "checkpoint"
	StepTypeGate       StepType = "gate"
	StepTypeParallel   StepType = "parallel"
	StepTypeScript     StepType = "script"
)

// OnFailure selects the retry policy applied when a step errors.
type OnFailure string

const (
	OnFailureFail     OnFailure = "fail"
	OnFailureSkip     OnFailure = "skip"
	OnFailureRetry    OnFailure = "retry"
	OnFailureContinue OnFailure = "continue"
)

// GuardType selects how a guard condition is evaluated.
type GuardType string

const (
	GuardTypeExpression  GuardType = "expression"
	GuardTypeScript      GuardType = "script"
	GuardTypeOutputCheck GuardType = "output_check"
)

// Guard is an optional pre-dispatch condition on a step.
type Guard struct {
	Type      GuardType         `json:"type" yaml:"type"`
	Condition string            `json:"condition" yaml:"condition"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// StepDefinition is one step of a workflow definition.
type StepDefinition struct {
	Key       string          `json:"key" yaml:"key"`
	Name      string          `json:"name" yaml:"name"`
	Type      StepType        `json:"type" yaml:"type"`
	DependsOn []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config    json.RawMessage `json:"config,omitempty" yaml:"-"`
	Guard     *Guard          `json:"guard,omitempty" yaml:"guard,omitempty"`
	OnFailure OnFailure       `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// InputDefinition declares a workflow input.
type InputDefinition struct {
	Required bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Default  json.RawMessage `json:"default,omitempty" yaml:"-"`
}

// Workflow is an immutable-by-convention DAG definition.
type Workflow struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Steps     []StepDefinition           `json:"steps"`
	Inputs    map[string]InputDefinition `json:"inputs,omitempty"`
	TimeoutMs int64                      `json:"timeout_ms,omitempty"`
	OnComplete string                    `json:"on_complete,omitempty"`
	OnFailure  string                    `json:"on_failure,omitempty"`
	CreatedAt int64                      `json:"created_at"`
}

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	CreatedBy   string          `json:"created_by"`
	Status      ExecutionStatus `json:"status"`
	Context     json.RawMessage `json:"context,omitempty"`
	SwarmID     string          `json:"swarm_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   int64           `json:"started_at"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// StepStatus is the lifecycle status of an execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusBlocked   StepStatus = "blocked"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Satisfies reports whether the status releases downstream dependencies.
func (s StepStatus) Satisfies() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// ExecutionStep is the runtime state of one step definition within an execution.
type ExecutionStep struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	StepKey        string          `json:"step_key"`
	Status         StepStatus      `json:"status"`
	BlockedByCount int             `json:"blocked_by_count"`
	RetryCount     int             `json:"retry_count"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      int64           `json:"started_at,omitempty"`
	EndedAt        int64           `json:"ended_at,omitempty"`
}

// WorkflowEvent is one entry of an execution's append-only transition log.
// Events are recorded in the same transaction as the transition they record.
type WorkflowEvent struct {
	ID          int64  `json:"id"`
	ExecutionID string `json:"execution_id"`
	EventType   string `json:"event_type"`
	StepKey     string `json:"step_key,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}
