package engine

import (
	"encoding/json"
	"fmt"
)

// Outcome is the classified result of a single (project, operation)
// execution.
type Outcome string

const (
	// OutcomeSuccess indicates the operation exited with status 0.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates a non-zero exit or a process that could not start.
	OutcomeFailure Outcome = "failure"

	// OutcomeTimedOut indicates the operation exceeded its timeout and was killed.
	OutcomeTimedOut Outcome = "timed_out"

	// OutcomeSkipped indicates the operation never ran.
	OutcomeSkipped Outcome = "skipped"
)

// IsFailure returns true for outcomes that fail the owning project.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFailure || o == OutcomeTimedOut
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimedOut, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}

// ProjectStatus is the overall status of one project's pipeline.
type ProjectStatus string

const (
	// ProjectStatusSucceeded indicates every applicable operation succeeded.
	ProjectStatusSucceeded ProjectStatus = "succeeded"

	// ProjectStatusFailed indicates at least one operation failed or timed out.
	ProjectStatusFailed ProjectStatus = "failed"

	// ProjectStatusSkipped indicates the pipeline was vetoed or cancelled.
	ProjectStatusSkipped ProjectStatus = "skipped"
)

// Validate checks if the project status is valid.
func (s ProjectStatus) Validate() error {
	switch s {
	case ProjectStatusSucceeded, ProjectStatusFailed, ProjectStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid project status: %s", s)
	}
}

// RunStatus represents the overall status of a build run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every project succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no project succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some projects failed or were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// EventType represents the type of event emitted on the observability
// side channel.
type EventType string

const (
	EventTypeRunStarted             EventType = "run_started"
	EventTypeRunCompleted           EventType = "run_completed"
	EventTypeProjectStarted         EventType = "project_started"
	EventTypeProjectCompleted       EventType = "project_completed"
	EventTypeOperationCompleted     EventType = "operation_completed"
	EventTypeOperationRetry         EventType = "operation_retry"
	EventTypeHookWarning            EventType = "hook_warning"
	EventTypeDeploymentPhaseChanged EventType = "deployment_phase_changed"
	EventTypeDeploymentCompleted    EventType = "deployment_completed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeHookWarning, EventTypeOperationRetry:
		return "warning"
	default:
		return "info"
	}
}
