package config

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cosmicstack/cosmic/pkg/engine"
	"github.com/cosmicstack/cosmic/pkg/policy"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// TelemetryConfig maps the node configuration onto telemetry settings.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.NodeID = c.Node.ID
	if c.Node.Environment != "" {
		tc.Environment = c.Node.Environment
	}

	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	tc.Logging.Output = c.Telemetry.Logging.Output
	tc.Logging.EnableCaller = c.Telemetry.Logging.Caller

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	for k, v := range c.Telemetry.Tracing.Headers {
		tc.Tracing.Headers[k] = v
	}

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	tc.Metrics.Path = c.Telemetry.Metrics.Path

	return tc
}

// StoreConfig maps the store section onto SQLite settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Std(),
	}
}

// EngineOptions returns the engine options for the node and scheduler
// sections.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithNodeID(c.Node.ID),
		engine.WithInterval(c.Scheduler.Interval.Std()),
		engine.WithWorkers(c.Scheduler.Workers),
		engine.WithBatchSize(c.Scheduler.BatchSize),
		engine.WithOwnedOnly(c.Scheduler.OwnedOnly),
		engine.WithCASRetries(c.Scheduler.CASRetries),
	}
}

// PolicyEngine builds the admission policy engine, or returns nil when
// policies are disabled.
func (c *Config) PolicyEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	if !c.Policy.Enabled {
		return nil, nil
	}

	pe, err := policy.NewEngine(logger,
		policy.WithNodeID(c.Node.ID),
		policy.WithEnvironment(c.Node.Environment),
		policy.WithBuiltins(c.Policy.Builtins),
		policy.WithDisabled(c.Policy.Disabled...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(c.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, c.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return pe, nil
}

// OpenStore opens, initializes and migrates the configured store.
func (c *Config) OpenStore(ctx context.Context) (stores.Store, error) {
	var store stores.Store

	switch c.Store.Driver {
	case "memory":
		store = stores.NewMemoryStore()
	case "sqlite":
		s, err := stores.NewSQLiteStore(c.StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}
