package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/stores"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusStyle colors a run, project, outcome or phase name.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(engine.RunStatusSucceeded), string(engine.OutcomeSuccess), string(deploy.PhaseCompleted):
		return okStyle
	case string(engine.RunStatusFailed), string(engine.OutcomeFailure), string(engine.OutcomeTimedOut):
		return failStyle
	case string(engine.RunStatusCancelled):
		return dimStyle
	default:
		return warnStyle
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
}

func renderDetection(w io.Writer, result *engine.DetectionResult) {
	if len(result.Projects) == 0 {
		fmt.Fprintf(w, "No projects found under %s\n", result.Root)
		return
	}

	t := newTable("PROJECT", "LANGUAGE", "FRAMEWORK", "CONFIDENCE", "OPERATIONS")
	for _, p := range result.Projects {
		lang := string(p.Language)
		if !p.Supported {
			lang += " (unsupported)"
		}
		t.Row(p.ID, lang, p.Framework, fmt.Sprintf("%.1f", p.Confidence), strings.Join(p.Operations, ", "))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d projects detected under %s\n", len(result.Projects), result.Root)
	renderWarnings(w, result.Warnings)
}

func renderWarnings(w io.Writer, warnings []engine.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w, titleStyle.Render("Warnings"))
	for _, warn := range warnings {
		prefix := string(warn.Kind)
		if warn.ProjectID != "" {
			prefix += " " + warn.ProjectID
		}
		fmt.Fprintf(w, "  %s %s\n", warnStyle.Render("!"), dimStyle.Render(prefix+":")+" "+warn.Message)
	}
}

func renderReport(w io.Writer, report *engine.BuildReport) {
	if len(report.Projects) > 0 {
		t := newTable("PROJECT", "LANGUAGE", "STATUS", "DURATION", "DETAILS")
		for _, p := range report.Projects {
			t.Row(
				p.Project.ID,
				string(p.Project.Language),
				statusStyle(string(p.Status)).Render(string(p.Status)),
				p.Duration.Round(time.Millisecond).String(),
				projectDetails(p),
			)
		}
		fmt.Fprintln(w, t.Render())
	}

	langs := make([]string, 0, len(report.LanguageStats))
	for l := range report.LanguageStats {
		langs = append(langs, string(l))
	}
	sort.Strings(langs)
	for _, l := range langs {
		s := report.LanguageStats[engine.Language(l)]
		fmt.Fprintf(w, "  %-12s %d total, %d ok, %d failed, %d skipped\n", l, s.Total, s.Success, s.Failed, s.Skipped)
	}

	renderWarnings(w, report.Warnings)
	if len(report.Unsupported) > 0 {
		fmt.Fprintf(w, "Unsupported: %s\n", strings.Join(report.Unsupported, ", "))
	}

	fmt.Fprintf(w, "\n%s %d projects, %d succeeded, %d failed, %d skipped (%.0f%%) in %s\n",
		statusStyle(string(report.Status)).Bold(true).Render(strings.ToUpper(string(report.Status))),
		report.TotalProjects, report.Successful, report.Failed, report.Skipped,
		report.SuccessRate*100, report.Duration.Round(time.Millisecond))
}

// projectDetails names the first failed operation, or the skip reason.
func projectDetails(p engine.ProjectReport) string {
	for _, r := range p.Results {
		if r.Outcome.IsFailure() {
			return fmt.Sprintf("%s: %s", r.Operation, r.Reason)
		}
	}
	if p.Reason != "" {
		return p.Reason
	}
	ops := make([]string, 0, len(p.Results))
	for _, r := range p.Results {
		ops = append(ops, r.Operation)
	}
	details := strings.Join(ops, " → ")
	if n := len(p.Artifacts); n > 0 {
		details += fmt.Sprintf(" (%d artifacts)", n)
	}
	return details
}

func renderDeployment(w io.Writer, state deploy.State) {
	plan := state.Plan
	fmt.Fprintf(w, "%s %s to %s (%s)\n", titleStyle.Render("Deployment"), plan.Service, plan.Environment.Name, plan.Strategy)
	fmt.Fprintf(w, "  id:       %s\n", state.ID)
	fmt.Fprintf(w, "  artifact: %s\n", plan.Artifact)
	if plan.PreviousArtifact != "" {
		fmt.Fprintf(w, "  previous: %s\n", plan.PreviousArtifact)
	}
	renderTransitions(w, state.History)

	phase := string(state.Phase)
	fmt.Fprintf(w, "\n%s %s\n", statusStyle(phase).Bold(true).Render(strings.ToUpper(phase)), state.Describe())
	if state.Error != "" {
		fmt.Fprintf(w, "  %s\n", failStyle.Render(state.Error))
	}
}

func renderTransitions(w io.Writer, history []deploy.Transition) {
	if len(history) == 0 {
		return
	}
	t := newTable("AT", "FROM", "TO", "REASON")
	for _, tr := range history {
		t.Row(tr.At.Format(time.TimeOnly), string(tr.From), statusStyle(string(tr.To)).Render(string(tr.To)), tr.Reason)
	}
	fmt.Fprintln(w, t.Render())
}

func renderBuilds(w io.Writer, builds []*stores.BuildRecord) {
	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds recorded")
		return
	}
	t := newTable("ID", "STARTED", "STATUS", "PROJECTS", "FAILED", "DURATION", "ROOT")
	for _, b := range builds {
		t.Row(
			b.ID,
			b.StartedAt.Local().Format(time.DateTime),
			statusStyle(string(b.Status)).Render(string(b.Status)),
			fmt.Sprint(b.Total),
			fmt.Sprint(b.Failed),
			b.Duration.Round(time.Millisecond).String(),
			b.Root,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderResults(w io.Writer, results []engine.ExecutionResult) {
	t := newTable("PROJECT", "OPERATION", "OUTCOME", "EXIT", "ATTEMPTS", "DURATION", "REASON")
	for _, r := range results {
		t.Row(
			r.ProjectID,
			r.Operation,
			statusStyle(string(r.Outcome)).Render(string(r.Outcome)),
			fmt.Sprint(r.ExitCode),
			fmt.Sprint(r.Attempts),
			r.Duration.Round(time.Millisecond).String(),
			r.Reason,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderDeployments(w io.Writer, deployments []*stores.DeploymentRecord) {
	if len(deployments) == 0 {
		fmt.Fprintln(w, "No deployments recorded")
		return
	}
	t := newTable("ID", "STARTED", "SERVICE", "ENVIRONMENT", "STRATEGY", "ARTIFACT", "PHASE")
	for _, d := range deployments {
		phase := string(d.Phase)
		if d.FailedPhase != "" {
			phase += " (in " + string(d.FailedPhase) + ")"
		}
		t.Row(
			d.ID,
			d.StartedAt.Local().Format(time.DateTime),
			d.Service,
			d.Environment,
			string(d.Strategy),
			d.Artifact,
			statusStyle(string(d.Phase)).Render(phase),
		)
	}
	fmt.Fprintln(w, t.Render())
}
