package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
)

// DefaultFiles are the names Discover looks for, in order.
var DefaultFiles = []string{"unibuild.yaml", "unibuild.yml", "unibuild.toml", "unibuild.cue"}

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config format: %s", path)
	}
}

// Discover returns the first default config file present in dir, or an
// empty string when there is none.
func Discover(dir string) string {
	for _, name := range DefaultFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads, defaults and validates the configuration at path. An empty
// path yields the validated defaults. Any problem is returned as a
// configuration error.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, Validate(cfg)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, engine.NewConfigurationError(err.Error(), nil).WithResource(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read config", err).
			WithResource(path).
			WithCode(engine.ErrCodeNotFound)
	}

	cfg, err := Parse(data, format, path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults without validating it. A language
// or environment entry in data replaces the built-in entry of that name.
func Parse(data []byte, format Format, source string) (*Config, error) {
	cfg := DefaultConfig()

	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document means all defaults.
		if err = dec.Decode(cfg); errors.Is(err, io.EOF) {
			err = nil
		}
	case FormatTOML:
		var md toml.MetaData
		md, err = toml.Decode(string(data), cfg)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				err = fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
			}
		}
	case FormatCUE:
		err = decodeCUE(data, source, cfg)
	default:
		err = fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse %s config", format), err).
			WithResource(source)
	}

	cfg.Source = source
	cfg.normalize()
	return cfg, nil
}

// normalize fills per-entry defaults that a file may leave out.
func (c *Config) normalize() {
	for name, env := range c.Environments {
		if env.Replicas == 0 {
			env.Replicas = 1
		}
		if env.Type == "" {
			env.Type = name
		}
		if env.HealthCheck.Path == "" {
			env.HealthCheck.Path = "/health"
		}
		if env.HealthCheck.Port == 0 {
			env.HealthCheck.Port = 8080
		}
		if env.Backend.Type == "" {
			env.Backend.Type = "kubectl"
		}
		c.Environments[name] = env
	}
	for i := range c.Hooks.Pre {
		c.Hooks.Pre[i].normalize()
	}
	for i := range c.Hooks.Post {
		c.Hooks.Post[i].normalize()
	}
}

func (h *HookConfig) normalize() {
	if h.Name == "" {
		switch h.Kind {
		case "command":
			h.Name = h.Command
		case "starlark":
			h.Name = filepath.Base(h.Script)
		case "wasm":
			h.Name = filepath.Base(h.Module)
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints with struct tags and semantic
// constraints with the built-in CUE schemas. All problems are reported
// together.
func Validate(cfg *Config) error {
	var problems []ValidationError

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewConfigurationError("failed to validate config", err)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				File:    cfg.Source,
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: validationMessage(fe),
			})
		}
	}

	problems = append(problems, NewSchemaRegistry().ValidateConfig(cfg)...)
	if len(problems) == 0 {
		return nil
	}

	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Path < problems[j].Path })
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("invalid configuration (%d problem(s))", len(problems)),
		errors.Join(errs...),
	).WithResource(cfg.Source).WithDetail("problems", problems)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
