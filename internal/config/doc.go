// Package config loads the process-wide configuration from a YAML file with
// MEF3_* environment variable overrides, following the same
// file-then-env-then-validate sequence as the rest of the dependency pack:
//
//	cfg := config.NewDefault()
//	if err := cfg.LoadFromFile(path); err != nil { ... }
//	if err := cfg.LoadFromEnv(); err != nil { ... }
//	if err := cfg.Validate(); err != nil { ... }
//
// Unlike a general-purpose configuration layer, this one recognizes exactly
// five named options and rejects everything else at load time rather than
// silently ignoring it.
package config
