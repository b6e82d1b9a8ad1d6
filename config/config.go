// Package config loads the handful of settings the subscription engine's
// daemon needs: where to listen, the token file for the auth gate, and the
// default timing parameters for the two subscription kinds. It generalizes
// the teacher's `-p`/`-s`/`-t` command-line flags (main.go) into a
// config-file-first model with flag overrides, the way a long-lived daemon
// is configured in this corpus rather than a single grading run.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of daemon settings.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	TokenFile      string   `yaml:"token_file"`
	PollInterval   Duration `yaml:"poll_interval"`
	MinJobInterval Duration `yaml:"min_job_interval"`
}

// Duration wraps time.Duration so config files can write human-readable
// values like "1s" or "500ms" — yaml.v3 has no built-in support for
// time.Duration and would otherwise only accept a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("1s", "500ms") or a bare
// integer, interpreted as nanoseconds, for backwards compatibility with a
// hand-edited numeric value.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the settings the daemon runs with when no config file is
// given.
func Default() Config {
	return Config{
		ListenAddr:     ":3318",
		PollInterval:   Duration(time.Second),
		MinJobInterval: Duration(2 * time.Second),
	}
}

// Load reads a YAML config file and overlays it on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}
