package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	listeners "github.com/glimte/mmate-listeners"
	"github.com/glimte/mmate-listeners/config"
	"github.com/glimte/mmate-listeners/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-listeners",
		Short: "Run RabbitMQ listeners declared in a configuration file",
		Long: `mmate-listeners binds the listeners declared in a YAML or HCL file to
RabbitMQ queues and runs them until interrupted.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	newLogger := func() *slog.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	rootCmd.AddCommand(newRunCommand(newLogger), newValidateCommand(newLogger))
	return rootCmd
}

func newRunCommand(newLogger func() *slog.Logger) *cobra.Command {
	var (
		configPath      string
		healthAddr      string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the declared listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			host, err := listeners.NewHost(ctx, cfg.Connection.URL,
				listeners.WithLogger(logger),
				listeners.WithTransportOptions(cfg.Connection.TransportOptions()...),
			)
			if err != nil {
				return fmt.Errorf("failed to create host: %w", err)
			}

			if err := registerBuiltins(host.Catalog(), logger); err != nil {
				host.Close(ctx)
				return err
			}
			if err := host.ApplyConfig(cfg); err != nil {
				host.Close(ctx)
				return err
			}

			if err := host.Start(ctx); err != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return errors.Join(err, host.Close(closeCtx))
			}

			var server *http.Server
			if healthAddr != "" {
				server = &http.Server{
					Addr:              healthAddr,
					Handler:           health.NewServeMux(host.Health(), 5*time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				logger.Info("health endpoint listening", "addr", healthAddr)
			}

			<-ctx.Done()
			logger.Info("shutting down")

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			var serverErr error
			if server != nil {
				serverErr = server.Shutdown(closeCtx)
			}
			return errors.Join(serverErr, host.Close(closeCtx))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "listeners.yaml", "Listener definition file (.yaml, .yml or .hcl)")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /health, /ready and /live on this address")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for listeners to stop")
	return cmd
}

func newValidateCommand(newLogger func() *slog.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a listener definition file without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}

			rows, err := dryRun(cfg, newLogger())
			if err != nil {
				return err
			}

			printListeners(cmd, rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "listeners.yaml", "Listener definition file (.yaml, .yml or .hcl)")
	return cmd
}

func printListeners(cmd *cobra.Command, rows []listenerRow) {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No listeners declared")
		return
	}

	fmt.Fprintf(out, "%-30s %-30s %-40s %-10s\n", "ID", "Factory", "Queues", "Exclusive")
	fmt.Fprintln(out, strings.Repeat("-", 113))
	for _, r := range rows {
		fmt.Fprintf(out, "%-30s %-30s %-40s %-10t\n",
			truncate(r.ID, 30),
			truncate(r.Factory, 30),
			truncate(strings.Join(r.Queues, ","), 40),
			r.Exclusive,
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
