// Command toolhost runs tool code on behalf of remote callers.
//
// Usage:
//
//	# Start the HTTP host (embedded Redis when TOOLHOST_REDIS_URL is unset)
//	toolhost
//
//	# Generate an auth token and its hash
//	toolhost setup
//
// The "worker" subcommand is not meant to be run by hand: in process worker
// mode the host re-executes its own binary with it for every invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/auxothq/toolhost/internal/host"
	"github.com/auxothq/toolhost/internal/worker"
	"github.com/auxothq/toolhost/pkg/logutil"
	"github.com/auxothq/toolhost/pkg/tools"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "toolhost",
	Short:         "Isolated tool execution host",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP host (default)",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one tool invocation over stdin/stdout",
	Hidden: true,
	RunE:   runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "toolhost v%s\n", version)
	},
}

func main() {
	// Variables already in the environment win over .env.
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd, workerCmd, setupCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := host.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	level, err := logutil.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logutil.NewHost(level)

	if cfg.RedisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("starting embedded redis: %w", err)
		}
		defer mr.Close()
		cfg.RedisURL = "redis://" + mr.Addr()
		cfg.EmbeddedRedis = true
		logger.Info("started embedded redis", "addr", mr.Addr())

		// Miniredis TTLs only move when told to; access tokens must expire.
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return
				case <-ticker.C:
					mr.FastForward(time.Second)
				}
			}
		}()
	}

	srv, err := host.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("server initialization failed: %w", err)
	}
	return srv.Start(cmd.Context())
}

// runWorker serves exactly one runTool message on stdio. Logs go to stderr,
// which the host re-emits under its own logger.
func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := host.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	level, err := logutil.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logutil.NewWorker(level)

	catalog := tools.NewCatalog(tools.Builtins()...)
	descs, err := tools.LoadDir(cfg.ToolsDir, logger)
	if err != nil {
		logger.Error("loading script tools", "dir", cfg.ToolsDir, "error", err)
	}
	catalog.ReplaceScripts(descs, 0)

	port := worker.NewStdioPort(os.Stdin, os.Stdout, logger)
	return worker.Serve(cmd.Context(), port, worker.RuntimeConfig{
		Tools:         catalog,
		InvokeTimeout: cfg.InvokeTimeout,
		Logger:        logger,
	})
}
