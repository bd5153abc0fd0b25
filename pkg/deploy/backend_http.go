package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unibuild/unibuild/pkg/engine"
)

// HTTPHealthChecker probes targets over HTTP. A 2xx answer is healthy;
// a JSON body with an "error_rate" field sets the reported error rate.
type HTTPHealthChecker struct {
	// Endpoints maps a target to its base URL, e.g. http://green:8080.
	Endpoints map[string]string

	// Path is appended to the base URL.
	Path string

	Client *http.Client
}

// NewHTTPHealthChecker creates a checker with a bounded client timeout.
func NewHTTPHealthChecker(endpoints map[string]string, path string, timeout time.Duration) *HTTPHealthChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHealthChecker{
		Endpoints: endpoints,
		Path:      path,
		Client:    &http.Client{Timeout: timeout},
	}
}

type healthBody struct {
	ErrorRate *float64 `json:"error_rate"`
	Status    string   `json:"status"`
}

// Check implements HealthChecker.
func (h *HTTPHealthChecker) Check(ctx context.Context, target string) (HealthReport, error) {
	base, ok := h.Endpoints[target]
	if !ok {
		return HealthReport{}, engine.NewConfigurationError("no health endpoint for target", nil).
			WithResource(target).
			WithCode(engine.ErrCodeNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+h.Path, nil)
	if err != nil {
		return HealthReport{}, engine.NewConfigurationError("invalid health endpoint", err).WithResource(target)
	}

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return HealthReport{}, engine.NewInfrastructureError("health request failed", err).WithResource(target)
	}
	defer resp.Body.Close()

	report := HealthReport{
		Target:    target,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
		Healthy:   resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !report.Healthy {
		report.ErrorRate = 1
		report.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(data) > 0 {
		var body healthBody
		if json.Unmarshal(data, &body) == nil {
			if body.ErrorRate != nil {
				report.ErrorRate = *body.ErrorRate
			}
			if body.Status != "" {
				report.Message = body.Status
			}
		}
	}
	return report, nil
}
