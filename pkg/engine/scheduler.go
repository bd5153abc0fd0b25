package engine

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/clock"
)

const (
	// DefaultMaxRetries applies to retryable operations that declare none.
	DefaultMaxRetries = 2

	// DefaultRetryBackoff is the fixed wait between retry attempts.
	DefaultRetryBackoff = 2 * time.Second

	// ReasonCancelled marks work skipped because the run was cancelled.
	ReasonCancelled = "cancelled"
)

// SchedulerOptions configures a Scheduler. Zero values select defaults.
type SchedulerOptions struct {
	// Concurrency is the default project concurrency used when Run is
	// called with a non-positive limit. Defaults to runtime.NumCPU().
	Concurrency int

	MaxRetries   int
	RetryBackoff time.Duration

	Hooks  PipelineHooks
	Events EventPublisher
	Sinks  SinkFactory
	Clock  clock.Clock
}

// Scheduler runs operation pipelines for many projects under a bounded
// worker pool.
type Scheduler struct {
	table    LanguageTable
	executor Executor
	opts     SchedulerOptions
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler that looks up operation specs in table
// and runs them through executor.
func NewScheduler(table LanguageTable, executor Executor, opts SchedulerOptions, logger zerolog.Logger) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Scheduler{
		table:    table,
		executor: executor,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run executes operations, in order, for every supported project with at
// most concurrency projects in flight, and returns the aggregated report.
// Projects in unsupported languages are listed in the report but never run.
//
// Cancelling ctx stops new projects from starting. Operations already
// running finish under their own timeout, and everything not yet started
// is recorded as skipped with reason "cancelled".
func (s *Scheduler) Run(ctx context.Context, projects []Project, operations []string, concurrency int) *BuildReport {
	if concurrency <= 0 {
		concurrency = s.opts.Concurrency
	}

	runID := uuid.New().String()
	started := s.clock.Now()
	events := newEventPump(s.opts.Events, runID)
	defer events.close()

	var runnable []Project
	var unsupported []string
	for _, p := range projects {
		if p.Supported {
			runnable = append(runnable, p)
		} else {
			unsupported = append(unsupported, p.ID)
		}
	}

	logger := s.logger.With().Str("run_id", runID).Logger()
	logger.Info().
		Int("projects", len(runnable)).
		Strs("operations", operations).
		Int("concurrency", concurrency).
		Msg("Build run started")

	events.emit(&Event{
		Type:    EventTypeRunStarted,
		Message: fmt.Sprintf("Build run started for %d projects", len(runnable)),
		Data: map[string]interface{}{
			"projects":    len(runnable),
			"operations":  operations,
			"concurrency": concurrency,
		},
	})

	workerCount := concurrency
	if len(runnable) < workerCount {
		workerCount = len(runnable)
	}

	workQueue := make(chan int)
	outcomes := make(chan projectOutcome)
	feederDone := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				outcomes <- projectOutcome{
					index:  idx,
					report: s.runProject(ctx, events, runnable[idx], operations),
				}
			}
		}()
	}

	go func() {
		defer close(feederDone)
		defer close(workQueue)
		for idx := range runnable {
			if ctx.Err() != nil {
				s.cancelRemaining(outcomes, runnable, idx, operations)
				return
			}
			select {
			case workQueue <- idx:
			case <-ctx.Done():
				s.cancelRemaining(outcomes, runnable, idx, operations)
				return
			}
		}
	}()

	go func() {
		<-feederDone
		wg.Wait()
		close(outcomes)
	}()

	acc := newAccumulator(len(runnable))
	for o := range outcomes {
		acc.add(o)
	}
	cancelled := ctx.Err() != nil

	report := acc.build(runID, started, s.clock.Now(), operations, cancelled)
	report.Unsupported = unsupported

	logger.Info().
		Str("status", string(report.Status)).
		Int("total", report.TotalProjects).
		Int("successful", report.Successful).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("Build run finished")

	events.emit(&Event{
		Type:    EventTypeRunCompleted,
		Message: fmt.Sprintf("Build run finished with status %s", report.Status),
		Data: map[string]interface{}{
			"status":       string(report.Status),
			"total":        report.TotalProjects,
			"successful":   report.Successful,
			"failed":       report.Failed,
			"skipped":      report.Skipped,
			"success_rate": report.SuccessRate,
			"duration":     report.Duration.Seconds(),
		},
	})

	return report
}

// cancelRemaining records projects[from:] as skipped without running them.
func (s *Scheduler) cancelRemaining(outcomes chan<- projectOutcome, projects []Project, from int, operations []string) {
	for idx := from; idx < len(projects); idx++ {
		p := projects[idx]
		results := make([]ExecutionResult, 0, len(operations))
		for _, op := range s.applicable(p, operations) {
			results = append(results, skippedResult(p, op, ReasonCancelled))
		}
		outcomes <- projectOutcome{
			index: idx,
			report: ProjectReport{
				Project: p,
				Status:  ProjectStatusSkipped,
				Reason:  ReasonCancelled,
				Results: results,
			},
		}
	}
}

// applicable filters operations to those the project's language declares,
// keeping the caller's order.
func (s *Scheduler) applicable(project Project, operations []string) []string {
	out := make([]string, 0, len(operations))
	for _, op := range operations {
		if !project.HasOperation(op) {
			continue
		}
		if _, ok := s.table.Operation(project.Language, op); ok {
			out = append(out, op)
		}
	}
	return out
}

// runProject executes one project's pipeline sequentially.
func (s *Scheduler) runProject(ctx context.Context, events *eventPump, project Project, operations []string) ProjectReport {
	started := s.clock.Now()
	report := ProjectReport{Project: project}
	ops := s.applicable(project, operations)

	events.emit(&Event{
		Type:      EventTypeProjectStarted,
		ProjectID: project.ID,
		Message:   fmt.Sprintf("Project %s (%s) started", project.ID, project.Language),
		Data:      map[string]interface{}{"language": string(project.Language)},
	})

	vetoReason := ""
	if s.opts.Hooks != nil {
		decision := s.opts.Hooks.Pre(ctx, project)
		report.Warnings = append(report.Warnings, decision.Warnings...)
		if decision.Skip {
			vetoReason = decision.Reason
			if vetoReason == "" {
				vetoReason = "vetoed by pre-build hook"
			}
		}
	}

	failedOp := ""
	for _, op := range ops {
		var result ExecutionResult
		switch {
		case vetoReason != "":
			result = skippedResult(project, op, vetoReason)
		case failedOp != "":
			result = skippedResult(project, op, fmt.Sprintf("previous operation %s failed", failedOp))
		case ctx.Err() != nil:
			result = skippedResult(project, op, ReasonCancelled)
		default:
			spec, _ := s.table.Operation(project.Language, op)
			spec.Name = op
			result = s.executeWithRetry(ctx, events, project, spec)
			if result.Outcome.IsFailure() {
				failedOp = op
			}
		}
		report.Results = append(report.Results, result)
		events.emit(operationEvent(result))
	}

	report.Status = projectStatus(report.Results)
	switch {
	case vetoReason != "":
		report.Status = ProjectStatusSkipped
		report.Reason = vetoReason
	case failedOp != "":
		report.Reason = fmt.Sprintf("operation %s failed", failedOp)
	case report.Status == ProjectStatusSkipped:
		report.Reason = ReasonCancelled
	}

	if report.Status == ProjectStatusSucceeded {
		if globs := s.table[project.Language].Artifacts; len(globs) > 0 {
			artifacts, err := CollectArtifacts(project, globs)
			if err != nil {
				report.Warnings = append(report.Warnings, Warning{
					Kind:      KindHook,
					ProjectID: project.ID,
					Message:   err.Error(),
				})
			}
			report.Artifacts = artifacts
		}
	}

	if s.opts.Hooks != nil && vetoReason == "" {
		report.Warnings = append(report.Warnings,
			s.opts.Hooks.Post(ctx, project, report.Results, report.Artifacts)...)
	}

	report.Duration = s.clock.Since(started)

	events.emit(&Event{
		Type:      EventTypeProjectCompleted,
		ProjectID: project.ID,
		Message:   fmt.Sprintf("Project %s finished with status %s", project.ID, report.Status),
		Data: map[string]interface{}{
			"language": string(project.Language),
			"status":   string(report.Status),
			"duration": report.Duration.Seconds(),
		},
	})

	return report
}

// executeWithRetry runs spec, retrying retryable failures with a fixed
// backoff. Operations run on a context that is not cancelled with the run
// so they always finish under their own timeout.
func (s *Scheduler) executeWithRetry(ctx context.Context, events *eventPump, project Project, spec OperationSpec) ExecutionResult {
	maxRetries := 0
	if spec.Retryable {
		maxRetries = spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.opts.MaxRetries
		}
	}
	execCtx := context.WithoutCancel(ctx)

	var result ExecutionResult
	for attempt := 0; ; attempt++ {
		result = s.executeOnce(execCtx, project, spec)
		result.Attempts = attempt + 1

		if !result.Outcome.IsFailure() || attempt >= maxRetries {
			break
		}

		s.logger.Warn().
			Str("project", project.ID).
			Str("operation", spec.Name).
			Int("attempt", attempt+1).
			Int("max_attempts", maxRetries+1).
			Msg("Retrying operation after failure")
		events.emit(&Event{
			Type:      EventTypeOperationRetry,
			ProjectID: project.ID,
			Operation: spec.Name,
			Message:   fmt.Sprintf("Retrying %s after failure (attempt %d/%d)", spec.Name, attempt+1, maxRetries+1),
		})

		select {
		case <-s.clock.After(s.opts.RetryBackoff):
		case <-ctx.Done():
			return result
		}
	}
	return result
}

func (s *Scheduler) executeOnce(ctx context.Context, project Project, spec OperationSpec) ExecutionResult {
	var sink io.Writer
	if s.opts.Sinks != nil {
		w, err := s.opts.Sinks(project, spec.Name)
		if err != nil {
			s.logger.Warn().Err(err).Str("project", project.ID).Msg("Failed to open log sink")
		} else {
			defer w.Close()
			sink = w
		}
	}
	return s.executor.Execute(ctx, project, spec, sink)
}

func skippedResult(project Project, op, reason string) ExecutionResult {
	return ExecutionResult{
		ProjectID: project.ID,
		Language:  project.Language,
		Operation: op,
		Outcome:   OutcomeSkipped,
		Reason:    reason,
	}
}

func operationEvent(r ExecutionResult) *Event {
	level := "info"
	if r.Outcome.IsFailure() {
		level = "error"
	}
	return &Event{
		Type:      EventTypeOperationCompleted,
		ProjectID: r.ProjectID,
		Operation: r.Operation,
		Level:     level,
		Message:   fmt.Sprintf("%s %s: %s", r.ProjectID, r.Operation, r.Outcome),
		Data: map[string]interface{}{
			"language":  string(r.Language),
			"outcome":   string(r.Outcome),
			"exit_code": r.ExitCode,
			"duration":  r.Duration.Seconds(),
			"attempts":  r.Attempts,
		},
	}
}

// eventPump forwards events to a publisher from a single goroutine. emit
// never blocks: when the buffer is full the event is dropped.
type eventPump struct {
	publisher EventPublisher
	runID     string
	ch        chan *Event
	mu        sync.RWMutex
	closed    bool
}

const eventPumpSize = 256

func newEventPump(publisher EventPublisher, runID string) *eventPump {
	p := &eventPump{publisher: publisher, runID: runID}
	if publisher == nil {
		return p
	}
	p.ch = make(chan *Event, eventPumpSize)
	go func() {
		for ev := range p.ch {
			_ = p.publisher.Publish(context.Background(), ev)
		}
	}()
	return p
}

func (p *eventPump) emit(ev *Event) {
	if p.ch == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}
	ev.RunID = p.runID

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- ev:
	default:
	}
}

func (p *eventPump) close() {
	if p.ch == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
