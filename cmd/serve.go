package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcp-center/mcp-center/internal/config"
	"github.com/mcp-center/mcp-center/internal/daemon"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
)

func newServeCmd() *cobra.Command {
	var rootFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mcp-center daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootFlag)
		},
	}
	cmd.Flags().StringVar(&rootFlag, "root", "", "root directory (default $MCP_CENTER_ROOT or ~/.mcp-center)")
	return cmd
}

// runServe implements the "serve" entry point of spec.md §6's process
// contract: resolve the root, write the pid file and sockets, accept
// traffic until an interruption signal, then drain and clean up.
func runServe(rootFlag string) error {
	cfg, err := config.Load(rootFlag)
	if err != nil {
		return startupError(fmt.Errorf("loading configuration: %w", err))
	}

	l, err := layout.Resolve(cfg.Root)
	if err != nil {
		return startupError(fmt.Errorf("resolving root: %w", err))
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return startupError(err)
	}

	stderrLogger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	daemonLogFile, err := openDaemonLogFile(l)
	if err != nil {
		return startupError(fmt.Errorf("opening daemon log: %w", err))
	}
	defer daemonLogFile.Close()

	fileHandler := slog.NewJSONHandler(daemonLogFile, &slog.HandlerOptions{Level: level})
	stderrHandler := stderrLogger.Handler()
	logger := log.NewMulti(stderrHandler, fileHandler)

	logger.Info("starting mcp-center", "root", l.Root())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := daemon.New(daemon.Options{
		Layout:                l,
		Logger:                logger,
		DrainTimeout:          cfg.DrainTimeout,
		BackendConnectTimeout: cfg.BackendConnectTimeout,
	})

	if err := sup.Boot(ctx); err != nil {
		return startupError(err)
	}

	if err := sup.Serve(ctx); err != nil {
		return runtimeError(err)
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

func openDaemonLogFile(l layout.Layout) (*os.File, error) {
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(l.DaemonLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
