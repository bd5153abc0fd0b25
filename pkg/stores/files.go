package stores

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unibuild/unibuild/pkg/engine"
)

// LatestReportFile is the name of the copy of the newest report.
const LatestReportFile = "build-results-latest.json"

// WriteReport writes report to dir as build-results-<id>.json and
// refreshes build-results-latest.json. It returns the path of the first.
func WriteReport(dir string, report *engine.BuildReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("build-results-%s.json", report.ID))
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, LatestReportFile), data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*engine.BuildReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	report := &engine.BuildReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return report, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
