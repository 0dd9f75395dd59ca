package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"strategy-executor/config"
	"strategy-executor/internal/database"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/strategy"
	"strategy-executor/internal/vault"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strategy-executor",
		Short:         "Runs rule-based trading strategies against a broker terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("EXECUTOR_CONFIG", "config.yaml"), "path to the JSON or YAML config file")

	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newStrategiesCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "strategy-executor", version)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "none" {
				return fmt.Errorf("database.driver is none; nothing to migrate")
			}
			store, err := database.Open(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.Info().Str("driver", cfg.Database.Driver).Msg("Migrations complete")
			return nil
		},
	}
}

func newStrategiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "Inspect strategy definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			store, err := database.Open(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListStrategies(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list strategies: %w", err)
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Config.ID < records[j].Config.ID })

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Name", "Symbol", "Timeframe", "Status", "Updated"})
			for _, r := range records {
				table.Append([]string{
					r.Config.ID,
					r.Config.Name,
					r.Config.Symbol,
					r.Config.Timeframe,
					r.Status,
					r.UpdatedAt.UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE...",
		Short: "Parse and validate strategy files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				cfg, err := loadStrategyFile(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s %s %s)\n", path, cfg.ID, cfg.Symbol, cfg.Timeframe)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d strategy files invalid", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sample FILE",
		Short: "Write a sample configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.GenerateSample(args[0])
		},
	})
	return cmd
}

// bootstrap loads the config, overlays Vault secrets and builds the root
// logger.
func bootstrap(ctx context.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logger := logging.New(&cfg.Logging)
	logging.SetDefault(logger)

	vc, err := vault.NewClient(cfg.Vault, logger)
	if err != nil {
		return nil, logger, err
	}
	if vc.IsEnabled() {
		vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		creds, err := vc.Fetch(vctx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Vault unavailable, using configured credentials")
		} else {
			creds.Apply(cfg)
		}
	}
	return cfg, logger, nil
}

func loadStrategyFile(path string) (strategy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return strategy.Config{}, fmt.Errorf("failed to read strategy file: %w", err)
	}
	return strategy.Parse(data)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
