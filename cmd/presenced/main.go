package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/presence-agent/agent/internal/config"
	"github.com/presence-agent/agent/internal/daemon"
	"github.com/presence-agent/agent/internal/logging"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if _, err := logging.ConfigureFromEnv(); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "presenced",
		Short:   "Presence agent: ARP-based on-prem employee presence daemon",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Without --debug, keep the level main already resolved
			// from LOG_LEVEL.
			if !debug {
				return nil
			}
			return logging.Configure(logging.LevelDebug)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.AddCommand(runCmd(), scanOnceCmd())
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the presence agent in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateInterface(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, cfg)
		},
	}
}

func scanOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-once",
		Short: "Run a single scan tick and exit, for operator diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateInterface(); err != nil {
				return err
			}
			return daemon.ScanOnce(cmd.Context(), cfg)
		},
	}
}
