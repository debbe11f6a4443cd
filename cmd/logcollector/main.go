// Command logcollector runs the log collection service and manages its
// configuration.
//
// Logging:
//   - Base logger is created in serve with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"logcollector/cmd/logcollector/cli"
	"logcollector/internal/home"
	"logcollector/internal/logging"
	"logcollector/internal/supervisor"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "logcollector",
		Short: "Multi-source log collection and forwarding service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					if err := http.ListenAndServe(pprofAddr, nil); err != nil {
						fmt.Fprintln(os.Stderr, "pprof server error:", err)
					}
				}()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("log-dir", "", "log directory (default: <data-dir>/logs)")
	rootCmd.PersistentFlags().String("log-level", "info", "default log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps - bind to loopback only, never expose publicly")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collection service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := cli.DirsFromCmd(cmd)
			if err != nil {
				return err
			}
			pidFile, _ := cmd.Flags().GetString("pid-file")
			logFile, _ := cmd.Flags().GetString("log-file")
			console, _ := cmd.Flags().GetBool("console")
			levelName, _ := cmd.Flags().GetString("log-level")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, dirs, pidFile, logFile, levelName, console)
		},
	}
	serveCmd.Flags().String("pid-file", "", "pid file path (default: <data-dir>/logcollector.pid)")
	serveCmd.Flags().String("log-file", "", "service log path (default: <log-dir>/service.log)")
	serveCmd.Flags().Bool("console", false, "log to stderr only, skip the service log file")
	serveCmd.Flags().Bool("non-interactive", true, "run without a terminal UI (always on; accepted for service wrappers)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		serveCmd,
		cli.NewSourceCommand(),
		cli.NewFilterCommand(),
		cli.NewAggregationCommand(),
		cli.NewTemplateCommand(),
		cli.NewHealthCommand(),
		cli.NewStatusCommand(),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, dirs home.Dirs, pidFile, logFile, levelName string, console bool) error {
	if err := dirs.EnsureExists(); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return fmt.Errorf("parse log level %q: %w", levelName, err)
	}

	out := io.Writer(os.Stderr)
	if !console {
		if logFile == "" {
			logFile = dirs.ServiceLogPath()
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open service log: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(os.Stderr, f)
	}

	baseHandler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	logger := slog.New(logging.NewComponentFilterHandler(baseHandler, level))

	if pidFile == "" {
		pidFile = dirs.PIDPath()
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil { //nolint:gosec // pid files are world-readable by convention
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	logger.Info("starting service", "version", version, "data_dir", dirs.DataDir(), "pid", os.Getpid())

	s, err := supervisor.New(supervisor.Config{Dirs: dirs, Logger: logger})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	// SIGHUP forces an immediate reload without waiting for the watcher.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("reload signal received")
			if err := s.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}()

	<-ctx.Done()
	signal.Stop(hup)
	close(hup)

	logger.Info("shutdown signal received")
	return s.Stop()
}
