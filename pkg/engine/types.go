package engine

import (
	"context"
	"sort"
	"time"
)

// Language is a detected project language. Only the languages listed in
// SupportedLanguages are scheduled; anything else that a detection rule
// names is reported as unsupported.
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguagePython     Language = "python"
	LanguageGo         Language = "go"
	LanguageRust       Language = "rust"
	LanguageJava       Language = "java"
	LanguageCSharp     Language = "csharp"
	LanguageCPP        Language = "cpp"
	LanguageRuby       Language = "ruby"
	LanguagePHP        Language = "php"
	LanguageShell      Language = "shell"
)

// SupportedLanguages is the closed set of languages the engine can build.
var SupportedLanguages = []Language{
	LanguageJavaScript, LanguageTypeScript, LanguagePython, LanguageGo,
	LanguageRust, LanguageJava, LanguageCSharp, LanguageCPP, LanguageRuby,
	LanguagePHP, LanguageShell,
}

// IsSupported reports whether l belongs to SupportedLanguages.
func (l Language) IsSupported() bool {
	for _, s := range SupportedLanguages {
		if s == l {
			return true
		}
	}
	return false
}

// Standard operation names. Languages may declare others.
const (
	OperationInstall = "install"
	OperationLint    = "lint"
	OperationTest    = "test"
	OperationBuild   = "build"
)

// DefaultOperations is the pipeline used when the caller does not name one.
var DefaultOperations = []string{OperationInstall, OperationTest, OperationBuild}

// OperationSpec binds an operation name to a command for one language.
type OperationSpec struct {
	// Name is the operation name (install, lint, test, build, ...).
	Name string `json:"name"`

	// Command is the shell command template. {path}, {name}, {language}
	// and {framework} are substituted before execution.
	Command string `json:"command"`

	// Timeout bounds a single execution.
	Timeout time.Duration `json:"timeout"`

	// Retryable marks the operation as safe to re-run after a failure.
	Retryable bool `json:"retryable"`

	// MaxRetries is the number of additional attempts for a retryable
	// operation.
	MaxRetries int `json:"max_retries"`
}

// Framework is an optional refinement of a language, detected by marker files.
type Framework struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

// LanguageRule describes how to detect one language and how to build it.
type LanguageRule struct {
	Language     Language                 `json:"language"`
	ProjectFiles []string                 `json:"project_files"`
	FilePatterns []string                 `json:"file_patterns,omitempty"`
	Priority     int                      `json:"priority"`
	Frameworks   []Framework              `json:"frameworks,omitempty"`
	Toolchain    []string                 `json:"toolchain,omitempty"`
	Artifacts    []string                 `json:"artifacts,omitempty"`
	Operations   map[string]OperationSpec `json:"operations"`
}

// LanguageTable is the read-only language configuration loaded at startup.
type LanguageTable map[Language]LanguageRule

// Languages returns the table's languages in lexicographic order.
func (t LanguageTable) Languages() []Language {
	out := make([]Language, 0, len(t))
	for l := range t {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Operation returns the spec for op in language l.
func (t LanguageTable) Operation(l Language, op string) (OperationSpec, bool) {
	rule, ok := t[l]
	if !ok {
		return OperationSpec{}, false
	}
	spec, ok := rule.Operations[op]
	return spec, ok
}

// Project is a detected, independently buildable unit.
type Project struct {
	// ID is the path relative to the scan root ("." for the root itself).
	ID string `json:"id"`

	// Path is the absolute project directory.
	Path string `json:"path"`

	Language  Language `json:"language"`
	Framework string   `json:"framework,omitempty"`

	// Operations is the ordered set of operations the language declares.
	Operations []string `json:"operations"`

	// Confidence is 0.9 for a marker-file match and 0.6 for a
	// file-pattern match.
	Confidence float64 `json:"confidence"`

	// MarkerCount is the number of marker files that matched.
	MarkerCount int `json:"marker_count"`

	// Reason explains why the language won.
	Reason string `json:"reason,omitempty"`

	Supported bool `json:"supported"`
}

// HasOperation reports whether op is applicable to the project.
func (p Project) HasOperation(op string) bool {
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Warning is a non-fatal problem attached to a report.
type Warning struct {
	Kind      ErrorKind `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
	Message   string    `json:"message"`
}

// DetectionResult is the output of a detection scan.
type DetectionResult struct {
	Root     string    `json:"root"`
	Projects []Project `json:"projects"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Supported returns the projects that can be scheduled.
func (r *DetectionResult) Supported() []Project {
	out := make([]Project, 0, len(r.Projects))
	for _, p := range r.Projects {
		if p.Supported {
			out = append(out, p)
		}
	}
	return out
}

// Unsupported returns the IDs of projects in an unsupported language.
func (r *DetectionResult) Unsupported() []string {
	var out []string
	for _, p := range r.Projects {
		if !p.Supported {
			out = append(out, p.ID)
		}
	}
	return out
}

// ExecutionResult is the immutable record of one (project, operation)
// execution.
type ExecutionResult struct {
	ProjectID string        `json:"project_id"`
	Language  Language      `json:"language"`
	Operation string        `json:"operation"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Output is the combined stdout/stderr, bounded in size.
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// Reason explains failures and skips.
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

// Artifact is a build output collected after a successful pipeline.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ProjectReport groups the results of one project.
type ProjectReport struct {
	Project   Project           `json:"project"`
	Status    ProjectStatus     `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Results   []ExecutionResult `json:"results"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Warnings  []Warning         `json:"warnings,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// LanguageStats is the per-language rollup of project statuses.
type LanguageStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// BuildReport is the immutable summary of one scheduling run.
type BuildReport struct {
	ID            string                     `json:"id"`
	Status        RunStatus                  `json:"status"`
	Root          string                     `json:"root,omitempty"`
	Operations    []string                   `json:"operations"`
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   time.Time                  `json:"completed_at"`
	Duration      time.Duration              `json:"duration"`
	TotalProjects int                        `json:"total_projects"`
	Successful    int                        `json:"successful"`
	Failed        int                        `json:"failed"`
	Skipped       int                        `json:"skipped"`
	SuccessRate   float64                    `json:"success_rate"`
	LanguageStats map[Language]LanguageStats `json:"language_stats"`
	Projects      []ProjectReport            `json:"projects"`
	Results       []ExecutionResult          `json:"results"`
	Warnings      []Warning                  `json:"warnings,omitempty"`
	Unsupported   []string                   `json:"unsupported,omitempty"`
}

// HasFailures reports whether any project failed.
func (r *BuildReport) HasFailures() bool {
	return r.Failed > 0
}

// Event is a structured progress event for the observability side channel.
type Event struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	RunID        string                 `json:"run_id,omitempty"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	ProjectID    string                 `json:"project_id,omitempty"`
	Operation    string                 `json:"operation,omitempty"`
	Message      string                 `json:"message"`
	Level        string                 `json:"level"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher receives events. Implementations must not block the
// caller on a slow consumer.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
