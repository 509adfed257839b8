// Command bootstrapd runs the bootstrap server core as a long-lived
// daemon (its status subcommand only prints the configured socket
// path; it does not query a daemon), the way oriys-nova's cmd/nova
// wraps its platform behind a cobra root command with a `daemon`
// subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bootstrapd/internal/config"
	"bootstrapd/internal/daemon"
	"bootstrapd/internal/logger"
)

var (
	configFile  string
	socketPath  string
	metricsAddr string
	logLevel    string
	pid1        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bootstrapd",
		Short: "bootstrapd is a userspace simulation of a launchd-style bootstrap server core",
		Long:  "bootstrapd manages a tree of Bootstrap Contexts and Service Records, launching servers on demand and resolving named endpoints across the tree.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the bootstrap RPC socket")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Loopback address to serve /metrics on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	overrides := map[string]string{}
	if cmd.Flags().Changed("socket") {
		overrides["socket_path"] = socketPath
	}
	if cmd.Flags().Changed("metrics-addr") {
		overrides["metrics_addr"] = metricsAddr
	}
	if cmd.Flags().Changed("log-level") {
		overrides["log_level"] = logLevel
	}
	if cmd.Flags().Changed("pid1-lenient") {
		overrides["pid1_lenient"] = fmt.Sprintf("%v", pid1)
	}
	return config.Load(configFile, overrides)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run bootstrapd in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.SetLevel(parseLevel(cfg.LogLevel))

			d, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("construct daemon: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&pid1, "pid1-lenient", false, "Enable the PID 1 lenient create_server rule")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the configured socket path (no socket client is wired)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("bootstrapd socket: %s\n", cfg.SocketPath)
			fmt.Println("status: a thin client over the bootstrap RPC surface is not wired in this build; connect via internal/rpcsurface.Surface in-process instead.")
			return nil
		},
	}
	return cmd
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
