package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Metrics holds the Prometheus collectors fed by the event stream.
type Metrics struct {
	config MetricsConfig

	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec
	activeBuilds    prometheus.Gauge

	projectsCompleted *prometheus.CounterVec

	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operationRetries    *prometheus.CounterVec

	hookWarnings prometheus.Counter

	deploymentTransitions *prometheus.CounterVec
	deploymentsCompleted  *prometheus.CounterVec
	deploymentDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry. A disabled
// configuration returns a Metrics whose methods do nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	durationBuckets := []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of build runs completed",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of build runs in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"status"},
		),
		activeBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_builds",
				Help:      "Current number of running build runs",
			},
		),
		projectsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "projects_completed_total",
				Help:      "Total number of project pipelines completed",
			},
			[]string{"language", "status"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations executed",
			},
			[]string{"language", "operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"language", "operation"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of operation retries",
			},
			[]string{"operation"},
		),
		hookWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_warnings_total",
				Help:      "Total number of hook warnings",
			},
		),
		deploymentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Total number of deployment phase transitions",
			},
			[]string{"strategy", "to"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments finished",
			},
			[]string{"environment", "strategy", "phase"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"strategy"},
		),
	}

	registry.MustRegister(
		m.buildsCompleted,
		m.buildDuration,
		m.activeBuilds,
		m.projectsCompleted,
		m.operationsCompleted,
		m.operationDuration,
		m.operationRetries,
		m.hookWarnings,
		m.deploymentTransitions,
		m.deploymentsCompleted,
		m.deploymentDuration,
	)

	return m
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record updates the collectors from one event. It is registered as an
// event subscriber.
func (m *Metrics) Record(ev engine.Event) {
	if m.registry == nil {
		return
	}

	switch ev.Type {
	case engine.EventTypeRunStarted:
		m.activeBuilds.Inc()
	case engine.EventTypeRunCompleted:
		status := str(ev.Data, "status")
		m.activeBuilds.Dec()
		m.buildsCompleted.WithLabelValues(status).Inc()
		m.buildDuration.WithLabelValues(status).Observe(num(ev.Data, "duration"))
	case engine.EventTypeProjectCompleted:
		m.projectsCompleted.WithLabelValues(str(ev.Data, "language"), str(ev.Data, "status")).Inc()
	case engine.EventTypeOperationCompleted:
		lang := str(ev.Data, "language")
		m.operationsCompleted.WithLabelValues(lang, ev.Operation, str(ev.Data, "outcome")).Inc()
		m.operationDuration.WithLabelValues(lang, ev.Operation).Observe(num(ev.Data, "duration"))
	case engine.EventTypeOperationRetry:
		m.operationRetries.WithLabelValues(ev.Operation).Inc()
	case engine.EventTypeHookWarning:
		m.hookWarnings.Inc()
	case engine.EventTypeDeploymentPhaseChanged:
		m.deploymentTransitions.WithLabelValues(str(ev.Data, "strategy"), str(ev.Data, "to")).Inc()
	case engine.EventTypeDeploymentCompleted:
		strategy := str(ev.Data, "strategy")
		m.deploymentsCompleted.WithLabelValues(str(ev.Data, "environment"), strategy, str(ev.Data, "phase")).Inc()
		m.deploymentDuration.WithLabelValues(strategy).Observe(num(ev.Data, "duration"))
	}
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
