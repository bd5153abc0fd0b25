package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	markerConfidence  = 0.9
	patternConfidence = 0.6
)

// DefaultSkipDirs are directory names never descended into.
var DefaultSkipDirs = []string{
	"node_modules", "__pycache__", ".git", "target", "build", "dist", ".venv", "venv", ".unibuild",
}

// DetectorOptions tunes a Detector.
type DetectorOptions struct {
	// SkipDirs are directory base names that are not scanned.
	SkipDirs []string

	// Exclude are globs matched against root-relative slash paths.
	Exclude []string

	// MinPatternFiles is how many direct files must match a rule's file
	// patterns for a pattern match. Defaults to 3.
	MinPatternFiles int

	// MinConfidence drops candidates below this confidence.
	MinConfidence float64
}

// Detector classifies directories into projects using a LanguageTable.
type Detector struct {
	table  LanguageTable
	opts   DetectorOptions
	skip   map[string]bool
	logger zerolog.Logger
}

// NewDetector creates a detector over the given language table.
func NewDetector(table LanguageTable, opts DetectorOptions, logger zerolog.Logger) *Detector {
	if opts.SkipDirs == nil {
		opts.SkipDirs = DefaultSkipDirs
	}
	if opts.MinPatternFiles <= 0 {
		opts.MinPatternFiles = 3
	}

	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}

	return &Detector{
		table:  table,
		opts:   opts,
		skip:   skip,
		logger: logger.With().Str("component", "detector").Logger(),
	}
}

type candidate struct {
	language    Language
	confidence  float64
	priority    int
	markerCount int
	matched     []string
}

// better reports whether a should win over b.
func (a candidate) better(b candidate) bool {
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.markerCount != b.markerCount {
		return a.markerCount > b.markerCount
	}
	return a.language < b.language
}

// Detect scans root and returns one Project per matching directory, in
// lexicographic ID order. Unreadable directories become warnings.
func (d *Detector) Detect(ctx context.Context, root string) (*DetectionResult, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewConfigurationError("invalid scan root", err).WithResource(root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, NewConfigurationError("scan root is not accessible", err).WithResource(root)
	}
	if !info.IsDir() {
		return nil, NewConfigurationError("scan root is not a directory", nil).WithResource(root)
	}

	result := &DetectionResult{Root: abs}

	walkErr := filepath.WalkDir(abs, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(abs, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			d.warn(result, rel, err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != abs && (d.skip[entry.Name()] || d.excluded(rel)) {
			return fs.SkipDir
		}

		entries, readErr := os.ReadDir(path)
		if readErr != nil {
			d.warn(result, rel, readErr)
			return fs.SkipDir
		}

		if project, ok := d.classify(rel, path, entries); ok {
			result.Projects = append(result.Projects, project)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("detection aborted: %w", walkErr)
	}

	sort.Slice(result.Projects, func(i, j int) bool {
		return result.Projects[i].ID < result.Projects[j].ID
	})

	d.logger.Debug().
		Str("root", abs).
		Int("projects", len(result.Projects)).
		Int("warnings", len(result.Warnings)).
		Msg("Detection finished")

	return result, nil
}

func (d *Detector) warn(result *DetectionResult, rel string, err error) {
	w := NewDetectionWarning(rel, err)
	d.logger.Warn().Err(err).Str("path", rel).Msg("Skipping unreadable path")
	result.Warnings = append(result.Warnings, Warning{
		Kind:      KindDetection,
		ProjectID: rel,
		Message:   w.Error(),
	})
}

func (d *Detector) excluded(rel string) bool {
	for _, pattern := range d.opts.Exclude {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// classify evaluates every rule against the files directly inside dir.
func (d *Detector) classify(rel, dir string, entries []fs.DirEntry) (Project, bool) {
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return Project{}, false
	}

	var best *candidate
	for _, lang := range d.table.Languages() {
		rule := d.table[lang]
		c, ok := d.evaluate(rule, files)
		if !ok || c.confidence < d.opts.MinConfidence {
			continue
		}
		if best == nil || c.better(*best) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return Project{}, false
	}

	rule := d.table[best.language]
	project := Project{
		ID:          rel,
		Path:        dir,
		Language:    best.language,
		Framework:   detectFramework(rule.Frameworks, files),
		Operations:  orderedOperations(rule.Operations),
		Confidence:  best.confidence,
		MarkerCount: best.markerCount,
		Supported:   best.language.IsSupported(),
	}
	if best.confidence == markerConfidence {
		project.Reason = "found project files: " + strings.Join(best.matched, ", ")
	} else {
		project.Reason = fmt.Sprintf("found %d matching source files", len(best.matched))
	}
	return project, true
}

func (d *Detector) evaluate(rule LanguageRule, files []string) (candidate, bool) {
	c := candidate{language: rule.Language, priority: rule.Priority}

	for _, f := range files {
		if matchAny(rule.ProjectFiles, f) {
			c.matched = append(c.matched, f)
		}
	}
	if len(c.matched) > 0 {
		c.confidence = markerConfidence
		c.markerCount = len(c.matched)
		return c, true
	}

	if len(rule.FilePatterns) == 0 {
		return c, false
	}
	for _, f := range files {
		if matchAny(rule.FilePatterns, f) {
			c.matched = append(c.matched, f)
		}
	}
	if len(c.matched) >= d.opts.MinPatternFiles {
		c.confidence = patternConfidence
		return c, true
	}
	return c, false
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func detectFramework(frameworks []Framework, files []string) string {
	for _, fw := range frameworks {
		for _, f := range files {
			if matchAny(fw.Files, f) {
				return fw.Name
			}
		}
	}
	return ""
}

// orderedOperations lists a rule's operations with the standard pipeline
// steps first and any custom operations after them alphabetically.
func orderedOperations(ops map[string]OperationSpec) []string {
	standard := []string{OperationInstall, OperationLint, OperationTest, OperationBuild}
	out := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, name := range standard {
		if _, ok := ops[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	var extra []string
	for name := range ops {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
