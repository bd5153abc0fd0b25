package engine

import (
	"time"
)

// projectOutcome is what a worker hands back to the aggregator once a
// project's pipeline is finished.
type projectOutcome struct {
	index  int
	report ProjectReport
}

// accumulator collects project outcomes. It is owned by exactly one
// goroutine, the scheduler's aggregation loop, so it needs no locking.
type accumulator struct {
	slots []*ProjectReport
}

func newAccumulator(n int) *accumulator {
	return &accumulator{slots: make([]*ProjectReport, n)}
}

func (a *accumulator) add(o projectOutcome) {
	r := o.report
	a.slots[o.index] = &r
}

// build produces the report. Listing follows the input order of the
// projects; counts do not depend on the order outcomes arrived in.
func (a *accumulator) build(id string, started, completed time.Time, operations []string, cancelled bool) *BuildReport {
	report := &BuildReport{
		ID:            id,
		Operations:    append([]string(nil), operations...),
		StartedAt:     started,
		CompletedAt:   completed,
		Duration:      completed.Sub(started),
		LanguageStats: make(map[Language]LanguageStats),
		Projects:      make([]ProjectReport, 0, len(a.slots)),
		Results:       make([]ExecutionResult, 0),
	}

	for _, slot := range a.slots {
		if slot == nil {
			continue
		}
		pr := *slot
		report.Projects = append(report.Projects, pr)
		report.Results = append(report.Results, pr.Results...)
		report.Warnings = append(report.Warnings, pr.Warnings...)

		stats := report.LanguageStats[pr.Project.Language]
		stats.Total++
		switch pr.Status {
		case ProjectStatusSucceeded:
			stats.Success++
			report.Successful++
		case ProjectStatusFailed:
			stats.Failed++
			report.Failed++
		default:
			stats.Skipped++
			report.Skipped++
		}
		report.LanguageStats[pr.Project.Language] = stats
	}

	report.TotalProjects = len(report.Projects)
	if report.TotalProjects > 0 {
		report.SuccessRate = float64(report.Successful) / float64(report.TotalProjects)
	}
	report.Status = runStatus(report, cancelled)
	return report
}

func runStatus(r *BuildReport, cancelled bool) RunStatus {
	switch {
	case cancelled:
		return RunStatusCancelled
	case r.Failed == 0 && r.Skipped == 0:
		return RunStatusSucceeded
	case r.Successful > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// projectStatus classifies a project from its operation results.
func projectStatus(results []ExecutionResult) ProjectStatus {
	skipped := false
	for _, r := range results {
		if r.Outcome.IsFailure() {
			return ProjectStatusFailed
		}
		if r.Outcome == OutcomeSkipped {
			skipped = true
		}
	}
	if skipped {
		return ProjectStatusSkipped
	}
	return ProjectStatusSucceeded
}
