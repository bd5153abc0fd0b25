package telemetry

import (
	"fmt"

	"github.com/unibuild/unibuild/pkg/config"
)

// Config contains the telemetry configuration.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// Insecure disables TLS for the exporter connection.
	Insecure bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string

	// Path is the HTTP path for metrics (default: /metrics).
	Path string

	// Namespace is the metrics namespace prefix.
	Namespace string
}

// EventsConfig configures the event publisher and its sinks.
type EventsConfig struct {
	// BufferSize is the size of the event buffer. Events published while
	// it is full are dropped.
	BufferSize int

	// RedisAddr enables the Redis stream sink when set.
	RedisAddr string

	// Stream is the Redis stream key.
	Stream string

	// MaxLen caps the stream length (approximate trimming). Zero keeps
	// every entry.
	MaxLen int64
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "unibuild",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "unibuild",
		},
		Events: EventsConfig{
			BufferSize: 1024,
			Stream:     "unibuild:events",
		},
	}
}

// FromConfig maps the telemetry and events sections of a project
// configuration.
func FromConfig(cfg *config.Config, version string) *Config {
	c := DefaultConfig()
	if version != "" {
		c.ServiceVersion = version
	}

	t := cfg.Telemetry
	c.Logging.Level = t.LogLevel
	c.Logging.Format = t.LogFormat
	c.Logging.Output = t.LogOutput
	c.Logging.EnableCaller = t.LogLevel == "debug" || t.LogLevel == "trace"

	c.Metrics.Enabled = t.MetricsEnabled
	c.Metrics.ListenAddress = t.MetricsAddr

	c.Tracing.Enabled = t.TracingEnabled
	c.Tracing.Exporter = t.TracingExporter
	c.Tracing.Endpoint = t.TracingEndpoint
	c.Tracing.SamplingRate = t.SamplingRate

	c.Events.RedisAddr = cfg.Events.RedisAddr
	if cfg.Events.Stream != "" {
		c.Events.Stream = cfg.Events.Stream
	}
	c.Events.MaxLen = cfg.Events.MaxLen
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
