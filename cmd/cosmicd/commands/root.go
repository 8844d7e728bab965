package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	nodeID     string
	verbose    bool
	jsonOutput bool

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cosmicd",
		Short: "Cosmic - cluster job and join coordination",
		Long: `cosmicd records asynchronous jobs for a cluster of management servers,
lets one job wait for another, and wakes waiting jobs when the job they
joined finishes or their deadline passes.

Every node shares one store. Any node may record a completion; the node
running the wake scheduler notices it on its next cycle.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node", "", "node id, overriding the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newJoinCommand())
	rootCmd.AddCommand(newFSMCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
