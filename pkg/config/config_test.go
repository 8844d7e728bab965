package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cosmicstack/cosmic/pkg/policy"
	"github.com/cosmicstack/cosmic/pkg/stores"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(WithDebounce(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func loadError(t *testing.T, err error) *LoadError {
	t.Helper()
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %T: %v", err, err)
	}
	return le
}

func TestDefaultNeedsOnlyNodeID(t *testing.T) {
	l := newTestLoader(t)

	cfg := Default()
	err := l.Validate(cfg)
	le := loadError(t, err)
	if len(le.Errors) != 1 || le.Errors[0].Path != "node.id" {
		t.Fatalf("expected only node.id to be missing, got %v", le.Errors)
	}

	cfg.Node.ID = "node-1"
	if err := l.Validate(cfg); err != nil {
		t.Errorf("default config with a node id must be valid: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	l := newTestLoader(t)

	data := `
node:
  id: node-2
store:
  driver: memory
scheduler:
  interval: 250ms
  workers: 3
  owned_only: true
policy:
  builtins: false
  disabled: [job-cmd-naming]
telemetry:
  logging:
    level: debug
    format: json
`
	cfg, err := l.Parse([]byte(data), FormatYAML, "node.yaml")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if cfg.Node.ID != "node-2" || cfg.Store.Driver != "memory" {
		t.Errorf("unexpected node/store: %+v %+v", cfg.Node, cfg.Store)
	}
	if cfg.Scheduler.Interval.Std() != 250*time.Millisecond {
		t.Errorf("expected 250ms interval, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.Workers != 3 || !cfg.Scheduler.OwnedOnly {
		t.Errorf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.BatchSize != 100 || cfg.Scheduler.CASRetries != 5 {
		t.Errorf("omitted fields must keep defaults, got %+v", cfg.Scheduler)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Output != "stderr" {
		t.Errorf("unexpected logging: %+v", cfg.Telemetry.Logging)
	}
	if !cfg.Policy.Enabled || cfg.Policy.Builtins || len(cfg.Policy.Disabled) != 1 {
		t.Errorf("unexpected policy: %+v", cfg.Policy)
	}
}

func TestParseJSON(t *testing.T) {
	l := newTestLoader(t)

	data := `{"node": {"id": "node-3"}, "scheduler": {"interval": 1500}}`
	cfg, err := l.Parse([]byte(data), FormatJSON, "node.json")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if cfg.Scheduler.Interval.Std() != 1500*time.Millisecond {
		t.Errorf("bare numbers are milliseconds, got %s", cfg.Scheduler.Interval)
	}
}

func TestParseYAMLRejectsUnknownField(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.Parse([]byte("node:\n  id: n\nschedular:\n  workers: 2\n"), FormatYAML, "node.yaml")
	le := loadError(t, err)
	if le.File != "node.yaml" {
		t.Errorf("expected file node.yaml, got %q", le.File)
	}
	if le.Errors[0].Line != 3 {
		t.Errorf("expected line 3, got %d (%s)", le.Errors[0].Line, le.Errors[0].Message)
	}
}

func TestParseCUE(t *testing.T) {
	l := newTestLoader(t)

	data := `
node: id: "node-4"
store: {
	driver: "sqlite"
	path:   "/var/lib/cosmic/cosmic.db"
}
scheduler: {
	interval:   "2s"
	batch_size: 10
}
telemetry: tracing: {
	enabled:  true
	exporter: "stdout"
}
`
	cfg, err := l.Parse([]byte(data), FormatCUE, "node.cue")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if cfg.Node.ID != "node-4" || cfg.Store.Path != "/var/lib/cosmic/cosmic.db" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Scheduler.Interval.Std() != 2*time.Second || cfg.Scheduler.BatchSize != 10 {
		t.Errorf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("omitted workers must default to 8, got %d", cfg.Scheduler.Workers)
	}
	if !cfg.Telemetry.Tracing.Enabled || cfg.Telemetry.Tracing.Exporter != "stdout" {
		t.Errorf("unexpected tracing: %+v", cfg.Telemetry.Tracing)
	}
}

func TestParseCUESchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "out of range",
			data: "node: id: \"n\"\nscheduler: workers: 0\n",
			want: "workers",
		},
		{
			name: "unknown field",
			data: "node: id: \"n\"\nscheduler: worker: 2\n",
			want: "worker",
		},
		{
			name: "bad driver",
			data: "node: id: \"n\"\nstore: driver: \"postgres\"\n",
			want: "driver",
		},
		{
			name: "bad duration",
			data: "node: id: \"n\"\nscheduler: interval: \"soon\"\n",
			want: "interval",
		},
		{
			name: "syntax",
			data: "node: {\n",
			want: "",
		},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.data), FormatCUE, "node.cue")
			le := loadError(t, err)
			if len(le.Errors) == 0 {
				t.Fatal("expected at least one error")
			}

			found := tt.want == ""
			for _, ve := range le.Errors {
				if ve.File != "node.cue" {
					t.Errorf("expected file node.cue, got %q", ve.File)
				}
				if strings.Contains(ve.Path+" "+ve.Message, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error mentioning %q, got %v", tt.want, le)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:     "unknown driver",
			mutate:   func(c *Config) { c.Store.Driver = "postgres" },
			wantPath: "store.driver",
		},
		{
			name:     "sqlite without path",
			mutate:   func(c *Config) { c.Store.Path = "" },
			wantPath: "store.path",
		},
		{
			name: "memory without path",
			mutate: func(c *Config) {
				c.Store.Driver = "memory"
				c.Store.Path = ""
			},
		},
		{
			name:     "zero interval",
			mutate:   func(c *Config) { c.Scheduler.Interval = 0 },
			wantPath: "scheduler.interval",
		},
		{
			name:     "too many workers",
			mutate:   func(c *Config) { c.Scheduler.Workers = 1000 },
			wantPath: "scheduler.workers",
		},
		{
			name:     "empty policy path",
			mutate:   func(c *Config) { c.Policy.Paths = []string{"policies", ""} },
			wantPath: "policy.paths[1]",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			wantPath: "telemetry.logging.level",
		},
		{
			name:     "otlp without endpoint",
			mutate:   func(c *Config) { c.Telemetry.Tracing.Exporter = "otlp" },
			wantPath: "telemetry.tracing.endpoint",
		},
		{
			name:     "sampling rate",
			mutate:   func(c *Config) { c.Telemetry.Tracing.SamplingRate = 1.5 },
			wantPath: "telemetry.tracing.sampling_rate",
		},
		{
			name:     "metrics path",
			mutate:   func(c *Config) { c.Telemetry.Metrics.Path = "metrics" },
			wantPath: "telemetry.metrics.path",
		},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Telemetry.Metrics.ListenAddress = ""
			},
			wantPath: "telemetry.metrics.listen_address",
		},
		{
			name: "metrics disabled without address",
			mutate: func(c *Config) {
				c.Telemetry.Metrics.Enabled = false
				c.Telemetry.Metrics.ListenAddress = ""
			},
		},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Node.ID = "node-1"
			tt.mutate(cfg)

			err := l.Validate(cfg)
			if tt.wantPath == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			le := loadError(t, err)
			if len(le.Errors) != 1 || le.Errors[0].Path != tt.wantPath {
				t.Errorf("expected one error at %s, got %v", tt.wantPath, le.Errors)
			}
		})
	}
}

func TestDurationYAML(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "interval: 1m30s", want: 90 * time.Second},
		{in: "interval: 750", want: 750 * time.Millisecond},
		{in: "interval: \"5s\"", want: 5 * time.Second},
		{in: "interval: later", wantErr: true},
		{in: "interval: [1s]", wantErr: true},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			data := "node:\n  id: n\nscheduler:\n  " + tt.in + "\n"
			cfg, err := l.Parse([]byte(data), FormatYAML, "node.yaml")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Scheduler.Interval.Std() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, cfg.Scheduler.Interval)
			}
		})
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	l := newTestLoader(t)

	yamlPath := writeFile(t, dir, "node.yml", "node:\n  id: from-yaml\n")
	cuePath := writeFile(t, dir, "node.cue", "node: id: \"from-cue\"\n")
	txtPath := writeFile(t, dir, "node.txt", "node: id\n")

	cfg, err := l.Load(yamlPath)
	if err != nil || cfg.Node.ID != "from-yaml" {
		t.Errorf("yaml: got %v, %v", cfg, err)
	}
	cfg, err = l.Load(cuePath)
	if err != nil || cfg.Node.ID != "from-cue" {
		t.Errorf("cue: got %v, %v", cfg, err)
	}
	if _, err := l.Load(txtPath); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := l.Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestLoadErrorCarriesFile(t *testing.T) {
	dir := t.TempDir()
	l := newTestLoader(t)
	path := writeFile(t, dir, "node.yaml", "store:\n  driver: memory\n")

	_, err := l.Load(path)
	le := loadError(t, err)
	if le.File != path || le.Errors[0].File != path {
		t.Errorf("expected errors to carry %s, got %+v", path, le)
	}
	if !strings.Contains(err.Error(), "node.id: is required") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "node-9"
	cfg.Node.Environment = "prod"
	cfg.Telemetry.Tracing.Headers = map[string]string{"x-team": "infra"}

	tc := cfg.TelemetryConfig("1.2.3")
	if tc.NodeID != "node-9" || tc.Environment != "prod" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("unexpected telemetry identity: %+v", tc)
	}
	if tc.Tracing.Headers["x-team"] != "infra" {
		t.Errorf("expected tracing headers, got %v", tc.Tracing.Headers)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("converted telemetry config must be valid: %v", err)
	}

	sc := cfg.StoreConfig()
	if sc.Path != "cosmic.db" || sc.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unexpected store config: %+v", sc)
	}

	if got := len(cfg.EngineOptions()); got != 6 {
		t.Errorf("expected 6 engine options, got %d", got)
	}
}

func TestPolicyEngine(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	dir := t.TempDir()
	writeFile(t, dir, "no-storage.rego", "package cosmic.admission.no_storage\n\nimport rego.v1\n\ndeny contains \"no\" if false\n")

	cfg := Default()
	cfg.Node.ID = "node-1"
	cfg.Policy.Paths = []string{dir}
	cfg.Policy.Disabled = []string{policy.PolicyCmdNaming}

	pe, err := cfg.PolicyEngine(ctx, logger)
	if err != nil {
		t.Fatalf("PolicyEngine failed: %v", err)
	}
	if _, err := pe.GetPolicy("no-storage"); err != nil {
		t.Errorf("expected loaded policy: %v", err)
	}
	p, err := pe.GetPolicy(policy.PolicyCmdNaming)
	if err != nil || p.Enabled {
		t.Errorf("expected disabled builtin, got %+v (%v)", p, err)
	}

	cfg.Policy.Paths = []string{filepath.Join(dir, "missing")}
	if _, err := cfg.PolicyEngine(ctx, logger); err == nil {
		t.Error("expected error for missing policy path")
	}

	cfg.Policy.Enabled = false
	pe, err = cfg.PolicyEngine(ctx, logger)
	if err != nil || pe != nil {
		t.Errorf("disabled policies must yield no engine, got %v (%v)", pe, err)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		driver string
		path   string
	}{
		{name: "memory", driver: "memory"},
		{name: "sqlite", driver: "sqlite", path: filepath.Join(t.TempDir(), "cosmic.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Node.ID = "node-1"
			cfg.Store.Driver = tt.driver
			cfg.Store.Path = tt.path

			store, err := cfg.OpenStore(ctx)
			if err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			defer store.Close()

			if err := store.HealthCheck(ctx); err != nil {
				t.Errorf("health check failed: %v", err)
			}
			if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, stores.ErrNotFound) {
				t.Errorf("expected not found, got %v", err)
			}
		})
	}

	cfg := Default()
	cfg.Store.Driver = "postgres"
	if _, err := cfg.OpenStore(ctx); err == nil {
		t.Error("expected error for unknown driver")
	}
}
