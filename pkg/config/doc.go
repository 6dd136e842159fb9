// Package config handles notifier configuration loading from YAML files,
// with environment overrides for secrets.
package config
