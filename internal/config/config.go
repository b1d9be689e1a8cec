// Package config loads the two YAML configuration files fbuild reads:
// the per-project fbuild.yaml (build environments) and the per-user
// daemon config (daemon tunables). Parsed with gopkg.in/yaml.v3, the
// same library the teacher and the rest of the example pack use for
// configuration (chainwatch's internal/systemd templates and CLI config
// both round-trip through yaml.v3).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment describes one named build target in a project's fbuild.yaml.
type Environment struct {
	Chip         string   `yaml:"chip"`
	Board        string   `yaml:"board"`
	Flags        []string `yaml:"flags,omitempty"`
	DefaultPort  string   `yaml:"port,omitempty"`
}

// Project is the parsed shape of a project's fbuild.yaml (spec.md's
// "Domain config").
type Project struct {
	Environments map[string]Environment `yaml:"environments"`
}

// LoadProject reads fbuild.yaml from projectDir.
func LoadProject(projectDir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "fbuild.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read fbuild.yaml: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse fbuild.yaml: %w", err)
	}
	return &p, nil
}

// Resolve looks up a named environment, returning a descriptive error if
// the project config doesn't define it (the CLI uses this to validate
// --environment before ever submitting a request, per SPEC_FULL.md §6).
func (p *Project) Resolve(name string) (Environment, error) {
	env, ok := p.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("environment %q is not defined in fbuild.yaml", name)
	}
	return env, nil
}

// Daemon holds daemon-wide tunables, loaded from ~/.fbuild/config.yaml.
// Every field defaults sensibly so the daemon runs correctly with zero
// configuration, matching the teacher's Config defaulting pattern in
// daemon.New.
type Daemon struct {
	TickInterval      time.Duration `yaml:"-"`
	TickIntervalMS    int           `yaml:"tick_interval_ms,omitempty"`
	WorkerPoolSize    int           `yaml:"worker_pool_size,omitempty"`
	SweepIntervalTicks int          `yaml:"sweep_interval_ticks,omitempty"`
	StaleThresholdSec int           `yaml:"stale_threshold_seconds,omitempty"`
}

// defaultDaemon matches spec.md §4.7 (~200ms tick, ~2s sweep) and §3
// (30s staleness threshold).
func defaultDaemon() Daemon {
	return Daemon{
		TickInterval:       200 * time.Millisecond,
		WorkerPoolSize:      4,
		SweepIntervalTicks: 10, // 10 * 200ms ≈ 2s
		StaleThresholdSec:  30,
	}
}

// LoadDaemon reads path if present, falling back to defaults entirely
// when the file doesn't exist.
func LoadDaemon(path string) (Daemon, error) {
	cfg := defaultDaemon()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read daemon config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse daemon config: %w", err)
	}
	if cfg.TickIntervalMS > 0 {
		cfg.TickInterval = time.Duration(cfg.TickIntervalMS) * time.Millisecond
	} else {
		cfg.TickInterval = defaultDaemon().TickInterval
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultDaemon().WorkerPoolSize
	}
	if cfg.SweepIntervalTicks <= 0 {
		cfg.SweepIntervalTicks = defaultDaemon().SweepIntervalTicks
	}
	if cfg.StaleThresholdSec <= 0 {
		cfg.StaleThresholdSec = defaultDaemon().StaleThresholdSec
	}
	return cfg, nil
}

// DefaultPath returns ~/.fbuild/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fbuild", "config.yaml"), nil
}
