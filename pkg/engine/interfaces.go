package engine

import (
	"context"
	"io"
)

// Executor runs a single operation for a single project. Implementations
// never retry; retry policy belongs to the Scheduler.
type Executor interface {
	Execute(ctx context.Context, project Project, spec OperationSpec, sink io.Writer) ExecutionResult
}

// HookDecision is what the scheduler needs back from the pre-build hooks.
type HookDecision struct {
	Skip     bool
	Reason   string
	Warnings []Warning
}

// PipelineHooks is invoked around each project's pipeline. Hook problems
// surface only as warnings and never change a project's classification.
type PipelineHooks interface {
	// Pre runs before the first operation. A Skip decision vetoes the
	// project's pipeline.
	Pre(ctx context.Context, project Project) HookDecision

	// Post runs after the last operation with the project's results.
	Post(ctx context.Context, project Project, results []ExecutionResult, artifacts []Artifact) []Warning
}

// SinkFactory returns the log sink for one project's operation output.
// The returned closer is called once the operation finishes.
type SinkFactory func(project Project, operation string) (io.WriteCloser, error)
