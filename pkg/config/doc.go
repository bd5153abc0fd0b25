// Package config loads, defaults and validates unibuild configuration.
//
// A configuration file is YAML (unibuild.yaml), TOML (unibuild.toml) or
// CUE (unibuild.cue); the format follows the file extension. The file is
// decoded over DefaultConfig, so any section or key it leaves out keeps
// its built-in value. A language or environment entry replaces the
// built-in entry of the same name as a whole.
//
// Validation happens in two passes and every problem is reported at once:
//
//   - struct tags checked by go-playground/validator (required keys,
//     ranges, enumerations)
//   - CUE schemas from the SchemaRegistry for languages, environments and
//     strategies (naming rules, retry settings, port ranges)
//
// Any failure is an engine configuration error, which the CLI turns into
// exit code 2 before anything runs.
//
// The package also hosts the Starlark evaluator used by scripted hooks and
// Watch, the debounced fsnotify watcher behind build --watch.
//
//	cfg, err := config.Load(config.Discover("."))
//	if err != nil {
//	    return err
//	}
//	detector := engine.NewDetector(cfg.LanguageTable(), cfg.DetectorOptions(), logger)
package config
