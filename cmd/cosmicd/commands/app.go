package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cosmicstack/cosmic/pkg/config"
	"github.com/cosmicstack/cosmic/pkg/engine"
	"github.com/cosmicstack/cosmic/pkg/policy"
	"github.com/cosmicstack/cosmic/pkg/states"
	"github.com/cosmicstack/cosmic/pkg/stores"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// builtinDispatcher hosts the handlers cosmicd registers itself.
	builtinDispatcher = "cosmic"
	// builtinLogHandler logs the wakeup and succeeds.
	builtinLogHandler = "log"

	shutdownTimeout = 10 * time.Second
)

// app is the engine wired to one node's store.
type app struct {
	cfg       *config.Config
	loader    *config.Loader
	store     stores.Store
	tel       *telemetry.Telemetry
	registry  *engine.Registry
	policies  *policy.Engine
	jobs      *engine.JobStore
	joins     *engine.JoinMap
	scheduler *engine.WakeScheduler
}

// loadConfig reads --config, or falls back to defaults with the host name as
// node id. --node always wins.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader, err := config.NewLoader(config.WithLogger(log.Logger))
	if err != nil {
		return nil, nil, err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = loader.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cfg = config.Default()
		if host, err := os.Hostname(); err == nil {
			cfg.Node.ID = host
		}
	}

	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if err := loader.Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// newApp opens the store and builds the engine. A nil tel uses the global
// logger with synchronous events and no exporters.
func newApp(ctx context.Context, tel *telemetry.Telemetry) (*app, error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(ctx, cfg, loader, tel)
}

func newAppFromConfig(ctx context.Context, cfg *config.Config, loader *config.Loader, tel *telemetry.Telemetry) (*app, error) {
	if tel == nil {
		tel = telemetry.Nop()
		tel.Logger = telemetry.NewLoggerFrom(log.Logger).WithNodeID(cfg.Node.ID)
	}

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, err
	}

	machine, err := states.NewJobMachine()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build job state machine: %w", err)
	}

	registry := engine.NewRegistry()
	registry.MustRegister(builtinDispatcher, builtinLogHandler, logWakeups(tel.Logger))

	opts := append(cfg.EngineOptions(),
		engine.WithTelemetry(tel),
		engine.WithRegistry(registry),
	)

	policies, err := cfg.PolicyEngine(ctx, tel.Logger.Zerolog())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if policies != nil {
		opts = append(opts, engine.WithAdmitter(policies))
	}

	joins := engine.NewJoinMap(store, opts...)
	jobs := engine.NewJobStore(store, machine, joins, opts...)

	return &app{
		cfg:       cfg,
		loader:    loader,
		store:     store,
		tel:       tel,
		registry:  registry,
		policies:  policies,
		jobs:      jobs,
		joins:     joins,
		scheduler: engine.NewWakeScheduler(jobs, joins, registry, opts...),
	}, nil
}

// Close stops the scheduler, flushes telemetry and closes the store.
func (a *app) Close() error {
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(a.tel.Shutdown(ctx), a.store.Close())
}

func logWakeups(logger *telemetry.Logger) engine.WakeupHandler {
	return engine.WakeupHandlerFunc(func(ctx context.Context, w engine.Wakeup) error {
		zl := logger.WithJoin(w.JobID, w.JoinJobID).Zerolog()
		zl.Info().
			Str("trace_id", telemetry.TraceID(ctx)).
			Str("outcome", string(w.Outcome)).
			Str("status", string(w.Status)).
			Int("attempt", w.Attempt).
			Msg("Job woken")
		return nil
	})
}
