package commands

import (
	"context"
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/config"
	"github.com/cosmicstack/cosmic/pkg/policy"
	"github.com/cosmicstack/cosmic/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

func newServeCommand() *cobra.Command {
	var (
		takeover []string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wake scheduler for this node",
		Long: `Run the node: open the store, expose metrics and run the wake scheduler
until interrupted.

With --config the file is watched; changes to the scheduler interval and
log level apply without a restart. Policy files under policy.paths are
watched as well and replace the loaded policies when they change.`,
		Example: `  # Run node-1 from a config file
  cosmicd serve --config /etc/cosmic/node.yaml

  # Take over the unfinished jobs of a failed node on startup
  cosmicd serve --config node.yaml --takeover node-2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, loader, err := loadConfig()
			if err != nil {
				return err
			}

			tc := cfg.TelemetryConfig(buildVersion)
			// The logger stays at trace; the global level filters so reloads
			// can raise verbosity.
			tc.Logging.Level = zerolog.TraceLevel.String()
			tel, err := telemetry.NewTelemetry(tc)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			applyLogLevel(cfg.Telemetry.Logging.Level)

			ctx = tel.WithContext(ctx)

			a, err := newAppFromConfig(ctx, cfg, loader, tel)
			if err != nil {
				_ = tel.Shutdown(ctx)
				return err
			}
			defer a.Close()

			for _, dead := range takeover {
				if err := a.takeover(ctx, dead); err != nil {
					return err
				}
			}

			metricsErr := make(chan error, 1)
			tel.Metrics.StartMetricsServer(metricsErr)

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}

			if configPath != "" && !noWatch {
				if err := loader.Watch(ctx, configPath, a.reload); err != nil {
					log.Warn().Err(err).Msg("Config reload disabled")
				}
			}
			if a.policies != nil && len(cfg.Policy.Paths) > 0 && !noWatch {
				pl := policy.NewLoader(log.Logger)
				if err := pl.Watch(ctx, cfg.Policy.Paths, func(p []policy.Policy) error {
					return a.policies.SetPolicies(ctx, p)
				}); err != nil {
					log.Warn().Err(err).Msg("Policy reload disabled")
				}
			}

			log.Info().
				Str("node", cfg.Node.ID).
				Str("store", cfg.Store.Driver).
				Dur("interval", a.scheduler.Interval()).
				Msg("Node started")

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
				return nil
			case err := <-metricsErr:
				return fmt.Errorf("metrics server failed: %w", err)
			}
		},
	}

	cmd.Flags().StringSliceVar(&takeover, "takeover", nil, "reassign unfinished jobs of these nodes on startup")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config or policy files on change")

	return cmd
}

// reload applies the settings that can change while running. Everything
// else needs a restart.
func (a *app) reload(cfg *config.Config) error {
	if cfg.Node.ID != a.cfg.Node.ID || cfg.Store != a.cfg.Store {
		log.Warn().Msg("Node and store changes take effect after a restart")
	}

	a.scheduler.SetInterval(cfg.Scheduler.Interval.Std())
	applyLogLevel(cfg.Telemetry.Logging.Level)

	log.Info().
		Dur("interval", cfg.Scheduler.Interval.Std()).
		Str("level", cfg.Telemetry.Logging.Level).
		Msg("Applied configuration")
	return nil
}

func applyLogLevel(level string) {
	if verbose {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

// takeover reassigns the unfinished jobs of a dead node to this one.
func (a *app) takeover(ctx context.Context, dead string) error {
	op := telemetry.StartOperation(ctx, "node.takeover",
		telemetry.AttrNodeID.String(a.cfg.Node.ID),
		attribute.String("takeover.from", dead),
	)
	n, err := a.jobs.ReassignOwner(op.Ctx, dead, a.cfg.Node.ID)
	op.End(err)
	if err != nil {
		return err
	}
	op.Logger.WithField("from", dead).WithField("jobs", n).Info("Took over jobs")
	return nil
}
