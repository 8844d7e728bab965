package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of one cosmicd node.
type Config struct {
	Node      NodeConfig      `json:"node" yaml:"node"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// NodeConfig identifies the management server node.
type NodeConfig struct {
	// ID is the cluster-unique node identifier written into job records.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Environment is reported with traces (dev, staging, prod).
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Driver is either "sqlite" or "memory".
	Driver string `json:"driver" yaml:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file, or ":memory:".
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Driver sqlite"`

	MaxOpenConns    int      `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty" validate:"gte=0"`
}

// SchedulerConfig tunes the wake scheduler.
type SchedulerConfig struct {
	// Interval is the time between scheduler cycles.
	Interval Duration `json:"interval" yaml:"interval" validate:"gt=0"`

	// Workers bounds concurrent sync-source groups per cycle.
	Workers int `json:"workers" yaml:"workers" validate:"gte=1,lte=256"`

	// BatchSize caps the wake candidates fetched per cycle.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"gte=1"`

	// OwnedOnly restricts wakeups to joins whose waiting job this node owns.
	OwnedOnly bool `json:"owned_only" yaml:"owned_only"`

	// CASRetries bounds compare-and-set attempts on job status writes.
	CASRetries int `json:"cas_retries" yaml:"cas_retries" validate:"gte=1"`
}

// PolicyConfig controls admission policies for job and join requests.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtins installs the policies shipped with cosmicd.
	Builtins bool `json:"builtins" yaml:"builtins"`

	// Paths are .rego or .json files, or directories holding them.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`

	// Disabled names policies that never run.
	Disabled []string `json:"disabled,omitempty" yaml:"disabled,omitempty" validate:"dive,required"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
	Output string `json:"output" yaml:"output" validate:"required"`
	Caller bool   `json:"caller" yaml:"caller"`
}

type TracingConfig struct {
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	Exporter     string            `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `json:"insecure" yaml:"insecure"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ListenAddress string `json:"listen_address" yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `json:"path" yaml:"path" validate:"startswith=/"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Environment: "development",
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            "cosmic.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Scheduler: SchedulerConfig{
			Interval:   Duration(time.Second),
			Workers:    8,
			BatchSize:  100,
			CASRetries: 5,
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Builtins: true,
		},
		Telemetry: TelemetryConfig{
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
				Enabled:       true,
				ListenAddress: ":9090",
				Path:          "/metrics",
			},
		},
	}
}

// Duration is a time.Duration that reads "1s" style strings from YAML, JSON
// and CUE. Bare JSON numbers are taken as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// UnmarshalYAML accepts a duration string or a number of milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		ms, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ValidationError is a single configuration problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "scheduler.workers".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects every problem found while loading one file.
type LoadError struct {
	File   string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].String()
	}
	parts := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		parts = append(parts, ve.String())
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e.Errors), strings.Join(parts, "; "))
}
