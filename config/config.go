package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FlowConfig is the root structure for a flow definition (e.g. from YAML).
type FlowConfig struct {
	Name   string       `yaml:"name"`
	Driver DriverConfig `yaml:"driver"`
	Stages []StageRef   `yaml:"stages"`
}

// DriverConfig selects the scheduling backend.
type DriverConfig struct {
	// Kind: "coroutine" (default) | "worker"
	Kind string `yaml:"kind"`

	// Workers is the worker pool size for kind "worker" (default GOMAXPROCS).
	Workers int `yaml:"workers"`

	// PollInterval paces an idle driver loop (default 1ms).
	PollInterval Duration `yaml:"poll_interval"`
}

// IsZero reports whether no driver field was set.
func (d DriverConfig) IsZero() bool { return d == DriverConfig{} }

// StageRef is a single stage entry: either a plain job name or name + options.
// In YAML, a stage can be written as:
//   - fetch
//   - name: parse
//     concurrency: 2
//     timeout: 60s
type StageRef struct {
	Name string `yaml:"name"`

	// Label is the stage name reported to observers and logs (default: Name).
	Label string `yaml:"label"`

	// ErrorJob names a registered error job for failed packets.
	ErrorJob string `yaml:"error_job"`

	// Concurrency bounds the packets in flight at the stage (0 = unbounded).
	Concurrency int `yaml:"concurrency"`

	// Batch emits results in groups of this size (0 = emit immediately).
	Batch int `yaml:"batch"`

	// Timeout races the job against a driver delay (e.g. "60s"). A worker
	// driver needs at least two workers for it.
	Timeout Duration `yaml:"timeout"`

	// Retry: "exponential" | "fixed" | "" (no retry)
	Retry string `yaml:"retry"`

	// For retry: initial backoff ("exponential") or fixed delay ("fixed")
	Initial Duration `yaml:"initial"`

	// For exponential retry: multiplier (default 2), cap (e.g. "5m"), max attempts
	Multiplier  float64  `yaml:"multiplier"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// UnmarshalYAML allows a stage to be a string (job name only) or a struct.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StageRef
	return value.Decode((*raw)(s))
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseFlowConfig parses YAML bytes into a single FlowConfig.
func ParseFlowConfig(data []byte) (*FlowConfig, error) {
	var cfg FlowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MultiFlowConfig is the root structure for a file that defines multiple flows.
// Top-level key "flows" maps names to flows; "driver" is the default for flows
// that do not set their own.
type MultiFlowConfig struct {
	Driver DriverConfig          `yaml:"driver"`
	Flows  map[string]FlowConfig `yaml:"flows"`
}

// ParseMultiFlowConfig parses YAML bytes that contain a "flows" map from name to flow config.
// Example YAML:
//
//	flows:
//	  ingest:
//	    stages: [fetch, parse]
//	  notify:
//	    stages: [validate, send]
func ParseMultiFlowConfig(data []byte) (*MultiFlowConfig, error) {
	var cfg MultiFlowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMultiFlowConfig reads and parses a multi-flow YAML file.
func LoadMultiFlowConfig(path string) (*MultiFlowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := ParseMultiFlowConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
