package app

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/hitoshi/storefront/internal/config"
)

// RootOptions は全サブコマンド共通のフラグ。
type RootOptions struct {
	EnvFile string
}

// NewRootCommand はstorefrontのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// wはログ出力先。
func NewRootCommand(w io.Writer) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "storefront",
		Short:         "Server-rendered storefront for the shop backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "serve", runServe)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "path to a .env file loaded before the environment")

	cmd.AddCommand(newServeCommand(w, opts))
	cmd.AddCommand(newWorkerCommand(w, opts))
	cmd.AddCommand(newMigrateCommand(w, opts))
	cmd.AddCommand(newHealthcheckCommand())

	return cmd
}

func newServeCommand(w io.Writer, opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "serve", runServe)
		},
	}
}

func newWorkerCommand(w io.Writer, opts *RootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the expired-session cleanup job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "worker", func(cfg *config.Config) error {
				return runWorker(cfg, metricsAddr)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the worker /metrics endpoint (empty to disable)")

	return cmd
}

func newMigrateCommand(w io.Writer, opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "migrate", func(cfg *config.Config) error {
				return runMigrate(cfg, false)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "migrate", func(cfg *config.Config) error {
				return runMigrate(cfg, false)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithConfig(w, opts, "migrate", func(cfg *config.Config) error {
				return runMigrate(cfg, true)
			})
		},
	})

	return cmd
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 軽量に動かすため設定の読み込みはしない。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(port)
		},
	}
	cmd.Flags().StringVar(&port, "port", defaultHealthcheckPort(), "server port to probe")

	return cmd
}
