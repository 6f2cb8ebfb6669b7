// Package config loads the I-VIS runtime configuration from JSON, YAML or TOML
// files and applies I_VIS_* environment overrides on top of it.
package config
