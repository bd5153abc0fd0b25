package config

import (
	"fmt"
	"time"
)

// Config is the complete unibuild configuration. Field names follow the
// file keys in every supported format.
type Config struct {
	Global        GlobalConfig                 `json:"global" yaml:"global" toml:"global"`
	Languages     map[string]LanguageConfig    `json:"languages" yaml:"languages" toml:"languages" validate:"dive"`
	Environments  map[string]EnvironmentConfig `json:"environments" yaml:"environments" toml:"environments" validate:"dive"`
	Strategies    StrategiesConfig             `json:"strategies" yaml:"strategies" toml:"strategies"`
	Hooks         HooksConfig                  `json:"hooks" yaml:"hooks" toml:"hooks"`
	Notifications NotificationsConfig          `json:"notifications" yaml:"notifications" toml:"notifications"`
	Policies      PoliciesConfig               `json:"policies" yaml:"policies" toml:"policies"`
	Telemetry     TelemetryConfig              `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
	Store         StoreConfig                  `json:"store" yaml:"store" toml:"store"`
	Events        EventsConfig                 `json:"events" yaml:"events" toml:"events"`

	// Source is the file the configuration was loaded from.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// GlobalConfig holds run-wide settings.
type GlobalConfig struct {
	MaxParallel     int               `json:"max_parallel" yaml:"max_parallel" toml:"max_parallel" validate:"gte=1"`
	Timeout         Duration          `json:"timeout" yaml:"timeout" toml:"timeout" validate:"gt=0"`
	Operations      []string          `json:"operations" yaml:"operations" toml:"operations" validate:"min=1,dive,required"`
	OutputLimit     int               `json:"output_limit" yaml:"output_limit" toml:"output_limit" validate:"gte=1"`
	SkipDirs        []string          `json:"skip_dirs" yaml:"skip_dirs" toml:"skip_dirs"`
	Exclude         []string          `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	MinConfidence   float64           `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence" validate:"gte=0,lte=1"`
	MinPatternFiles int               `json:"min_pattern_files" yaml:"min_pattern_files" toml:"min_pattern_files" validate:"gte=1"`
	ResultsDir      string            `json:"results_dir" yaml:"results_dir" toml:"results_dir"`
	LogsDir         string            `json:"logs_dir,omitempty" yaml:"logs_dir,omitempty" toml:"logs_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	MaxRetries      int               `json:"max_retries" yaml:"max_retries" toml:"max_retries" validate:"gte=0"`
	RetryBackoff    Duration          `json:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff" validate:"gte=0"`
}

// LanguageConfig describes detection and the operation commands for one
// language.
type LanguageConfig struct {
	ProjectFiles []string                   `json:"project_files" yaml:"project_files" toml:"project_files"`
	FilePatterns []string                   `json:"file_patterns,omitempty" yaml:"file_patterns,omitempty" toml:"file_patterns,omitempty"`
	Priority     int                        `json:"priority" yaml:"priority" toml:"priority"`
	Frameworks   []FrameworkConfig          `json:"frameworks,omitempty" yaml:"frameworks,omitempty" toml:"frameworks,omitempty"`
	Toolchain    []string                   `json:"toolchain,omitempty" yaml:"toolchain,omitempty" toml:"toolchain,omitempty"`
	Artifacts    []string                   `json:"artifacts,omitempty" yaml:"artifacts,omitempty" toml:"artifacts,omitempty"`
	Operations   map[string]OperationConfig `json:"operations" yaml:"operations" toml:"operations" validate:"min=1,dive"`
}

// FrameworkConfig names a framework and its marker files.
type FrameworkConfig struct {
	Name  string   `json:"name" yaml:"name" toml:"name" validate:"required"`
	Files []string `json:"files" yaml:"files" toml:"files" validate:"min=1"`
}

// OperationConfig is one operation's command.
type OperationConfig struct {
	Command    string   `json:"command" yaml:"command" toml:"command" validate:"required"`
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" validate:"gte=0"`
	Retryable  bool     `json:"retryable,omitempty" yaml:"retryable,omitempty" toml:"retryable,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty" toml:"max_retries,omitempty" validate:"gte=0"`
}

// EnvironmentConfig describes a deployment target.
type EnvironmentConfig struct {
	Type        string            `json:"type" yaml:"type" toml:"type" validate:"required"`
	Namespace   string            `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	Replicas    int               `json:"replicas" yaml:"replicas" toml:"replicas" validate:"gte=1"`
	HealthCheck HealthCheckConfig `json:"health_check" yaml:"health_check" toml:"health_check"`
	Backend     BackendConfig     `json:"backend" yaml:"backend" toml:"backend"`
}

// HealthCheckConfig locates the health endpoint of each deployment target.
type HealthCheckConfig struct {
	Path    string   `json:"path" yaml:"path" toml:"path"`
	Port    int      `json:"port" yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`

	// Hosts maps a target (blue, green, stable, canary or an instance
	// name) to its host name.
	Hosts map[string]string `json:"hosts,omitempty" yaml:"hosts,omitempty" toml:"hosts,omitempty"`
}

// BackendConfig selects the environment backend.
type BackendConfig struct {
	Type    string `json:"type" yaml:"type" toml:"type" validate:"omitempty,oneof=kubectl dry-run"`
	Kubectl string `json:"kubectl,omitempty" yaml:"kubectl,omitempty" toml:"kubectl,omitempty"`
	Service string `json:"service,omitempty" yaml:"service,omitempty" toml:"service,omitempty"`
}

// StrategiesConfig holds the per-strategy deployment parameters.
type StrategiesConfig struct {
	BlueGreen BlueGreenConfig `json:"blue_green" yaml:"blue_green" toml:"blue_green"`
	Canary    CanaryConfig    `json:"canary" yaml:"canary" toml:"canary"`
	Rolling   RollingConfig   `json:"rolling" yaml:"rolling" toml:"rolling"`
}

// HealthParams are shared by every strategy.
type HealthParams struct {
	HealthCheckInterval Duration `json:"health_check_interval" yaml:"health_check_interval" toml:"health_check_interval" validate:"gte=0"`
	HealthCheckDeadline Duration `json:"health_check_deadline" yaml:"health_check_deadline" toml:"health_check_deadline" validate:"gte=0"`
	HealthyThreshold    int      `json:"healthy_threshold" yaml:"healthy_threshold" toml:"healthy_threshold" validate:"gte=0"`
	RollbackThreshold   float64  `json:"rollback_threshold" yaml:"rollback_threshold" toml:"rollback_threshold" validate:"gte=0,lte=1"`
	InfraRetries        int      `json:"infra_retries" yaml:"infra_retries" toml:"infra_retries" validate:"gte=0"`
	InfraBackoff        Duration `json:"infra_backoff" yaml:"infra_backoff" toml:"infra_backoff" validate:"gte=0"`
}

// BlueGreenConfig configures blue-green deployments.
type BlueGreenConfig struct {
	HealthParams       `yaml:",inline"`
	SwitchTrafficDelay Duration `json:"switch_traffic_delay" yaml:"switch_traffic_delay" toml:"switch_traffic_delay" validate:"gte=0"`
	VerifyWindow       Duration `json:"verify_window" yaml:"verify_window" toml:"verify_window" validate:"gte=0"`
}

// CanaryConfig configures canary deployments.
type CanaryConfig struct {
	HealthParams     `yaml:",inline"`
	Steps            []int    `json:"steps,omitempty" yaml:"steps,omitempty" toml:"steps,omitempty" validate:"dive,gte=1,lte=100"`
	InitialTraffic   int      `json:"initial_traffic" yaml:"initial_traffic" toml:"initial_traffic" validate:"gte=0,lte=100"`
	TrafficIncrement int      `json:"traffic_increment" yaml:"traffic_increment" toml:"traffic_increment" validate:"gte=0,lte=100"`
	StepInterval     Duration `json:"step_interval" yaml:"step_interval" toml:"step_interval" validate:"gte=0"`
	SuccessThreshold float64  `json:"success_threshold" yaml:"success_threshold" toml:"success_threshold" validate:"gte=0,lte=1"`
	TransientRetries int      `json:"transient_retries" yaml:"transient_retries" toml:"transient_retries" validate:"gte=0"`
}

// RollingConfig configures rolling deployments.
type RollingConfig struct {
	HealthParams `yaml:",inline"`
	BatchSize    int `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gte=0"`
}

// HooksConfig lists the pre- and post-build hook handlers.
type HooksConfig struct {
	Pre  []HookConfig `json:"pre,omitempty" yaml:"pre,omitempty" toml:"pre,omitempty" validate:"dive"`
	Post []HookConfig `json:"post,omitempty" yaml:"post,omitempty" toml:"post,omitempty" validate:"dive"`

	// Toolchain enables the built-in pre-hook that checks the language
	// toolchain binaries are on PATH.
	Toolchain bool `json:"toolchain" yaml:"toolchain" toml:"toolchain"`
}

// HookConfig is one hook handler.
type HookConfig struct {
	Name string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Kind string `json:"kind" yaml:"kind" toml:"kind" validate:"required,oneof=command starlark wasm"`

	// Command is a shell command for kind command.
	Command string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty" validate:"required_if=Kind command"`

	// Script is a Starlark file for kind starlark, Module a WASI module for
	// kind wasm.
	Script string `json:"script,omitempty" yaml:"script,omitempty" toml:"script,omitempty" validate:"required_if=Kind starlark"`
	Module string `json:"module,omitempty" yaml:"module,omitempty" toml:"module,omitempty" validate:"required_if=Kind wasm"`

	// Languages restricts the hook to projects in these languages.
	Languages []string `json:"languages,omitempty" yaml:"languages,omitempty" toml:"languages,omitempty"`
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" validate:"gte=0"`
}

// NotificationsConfig lists webhook targets for Notify effects.
type NotificationsConfig struct {
	Webhooks []WebhookConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty" toml:"webhooks,omitempty" validate:"dive"`
}

// WebhookConfig is a Slack or Discord compatible incoming webhook.
type WebhookConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	URL  string `json:"url" yaml:"url" toml:"url" validate:"required,url"`
}

// PoliciesConfig lists Rego policy files and directories.
type PoliciesConfig struct {
	Paths    []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty"`
	Disabled []string `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	LogOutput string `json:"log_output" yaml:"log_output" toml:"log_output"`

	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr" validate:"required_if=MetricsEnabled true"`

	TracingEnabled  bool    `json:"tracing_enabled" yaml:"tracing_enabled" toml:"tracing_enabled"`
	TracingExporter string  `json:"tracing_exporter" yaml:"tracing_exporter" toml:"tracing_exporter" validate:"oneof=stdout otlp none"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty" toml:"tracing_endpoint,omitempty"`
	SamplingRate    float64 `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
}

// StoreConfig locates the history database.
type StoreConfig struct {
	Path    string `json:"path" yaml:"path" toml:"path"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// EventsConfig configures the optional Redis event stream.
type EventsConfig struct {
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" toml:"redis_addr,omitempty"`
	Stream    string `json:"stream" yaml:"stream" toml:"stream"`
	MaxLen    int64  `json:"max_len" yaml:"max_len" toml:"max_len" validate:"gte=0"`
}

// Duration is a time.Duration that reads and writes "90s" style strings.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// ValidationError is a single configuration problem.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}
