package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goatfundr/goatnode/internal/config"
	"github.com/goatfundr/goatnode/internal/supervisor"
)

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot assembles the CLI. The run command stores the supervisor's exit
// code in code.
func buildRoot(code *int) *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createRunCommand(flags, code),
		createBackupCommand(flags),
		createConfigCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "goatnode",
		Short: "GoatChain production node supervisor",
		Long: `goatnode runs the GoatChain development chain as a supervised child
process, deploys the production contracts once it is ready, takes periodic
backups and serves health, readiness and metrics endpoints.

Configuration comes from the environment (CHAIN_ID, BACKUP_ENABLED, ...),
optionally layered over a TOML file.

Examples:
  goatnode run
  goatnode run --config /etc/goatnode/goatnode.toml
  goatnode backup
  goatnode config`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(flags *GlobalFlags, code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start and supervise the node until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			sup, err := supervisor.New(cfg,
				supervisor.WithConsole(cmd.OutOrStdout()),
				supervisor.WithErrorConsole(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			c, err := sup.Run(cmd.Context())
			*code = c
			return err
		},
	}
}

func createBackupCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create one backup archive and prune old ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			rec, err := supervisor.Backup(cmd.Context(), cfg, supervisor.WithConsole(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rec.Path)
			return err
		},
	}
}

func createConfigCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Redacted())
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "goatnode", supervisor.Version)
			return err
		},
	}
}
