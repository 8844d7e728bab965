package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cosmicstack/cosmic/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a node config file and create the store",
		Long: `Write a YAML config file for this node and create and migrate its SQLite
store. Point every node of a cluster at the same database.`,
		Example: `  # Initialize node-1 in ./data
  cosmicd init --node node-1

  # Initialize with custom config path
  cosmicd init --node node-1 --config /etc/cosmic/node.yaml --data-dir /var/lib/cosmic`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "./cosmic.yaml"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", path, err)
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}

			cfg := config.Default()
			cfg.Node.ID = nodeID
			if cfg.Node.ID == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("no --node given and host name unknown: %w", err)
				}
				cfg.Node.ID = host
			}
			cfg.Store.Path = filepath.Join(dataDir, "cosmic.db")

			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			if err := loader.Validate(cfg); err != nil {
				return err
			}

			store, err := cfg.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			content := append([]byte("# cosmicd node configuration\n"), data...)
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			log.Info().
				Str("node", cfg.Node.ID).
				Str("config", path).
				Str("store", cfg.Store.Path).
				Msg("Node initialized")

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized node %s\n  config: %s\n  store:  %s\n\nStart it with:\n  cosmicd serve --config %s\n",
				cfg.Node.ID, path, cfg.Store.Path, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the SQLite store")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
