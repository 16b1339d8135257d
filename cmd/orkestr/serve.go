package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/orkestr"
	"github.com/loykin/orkestr/internal/logger"
	"github.com/loykin/orkestr/internal/metrics"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize     bool
	PidFile       string
	LogFile       string
	Listen        string
	MetricsListen string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the orkestr kernel daemon",
		Long: `Boot the kernel, restore modules and processes persisted by the previous
run, load the [[modules]] listed in the config and serve the HTTP API.
Without a config file the defaults and ORKESTR_* environment variables apply.

Examples:
  orkestr serve
  orkestr serve orkestr.toml
  orkestr serve --daemonize --pidfile=/run/orkestr.pid --logfile=/var/log/orkestr.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(flags, path)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /metrics on a separate address")
	return cmd
}

func loadConfig(path string) (*orkestr.Config, error) {
	if path == "" {
		return orkestr.DefaultConfig()
	}
	return orkestr.LoadConfig(path)
}

func runServe(flags *ServeFlags, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.MetricsListen != "" {
		cfg.Metrics.Listen = flags.MetricsListen
	}

	if flags.Daemonize {
		if !isDaemonSupported() {
			return errors.New("daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	defer func() {
		if err := removePidFile(flags.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove PID file", "path", flags.PidFile, "error", err)
		}
	}()

	closer, err := logger.Setup(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Color:  cfg.Log.Color,
		File: logger.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve runs the kernel and its HTTP endpoints until ctx is cancelled.
func serve(ctx context.Context, cfg *orkestr.Config, opts ...orkestr.Option) error {
	if cfg.Metrics.Enabled {
		if err := orkestr.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	k, err := orkestr.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := k.Shutdown(sctx); err != nil {
			slog.Error("Kernel shutdown", "error", err)
		}
	}()

	rep, err := k.Boot(ctx)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	slog.Info("Kernel booted",
		"instance", cfg.Kernel.Instance,
		"restored", len(rep.RestoredModules),
		"failed", len(rep.FailedModules),
		"configured", len(rep.ConfiguredModules),
		"discarded_processes", len(rep.DiscardedProcesses))

	srv, err := orkestr.NewHTTPServer(k, cfg)
	if err != nil {
		return err
	}
	slog.Info("API listening", "addr", srv.Addr, "base", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
	servers := []*http.Server{srv}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		msrv, err := startMetricsServer(cfg.Metrics.Listen)
		if err != nil {
			_ = srv.Close()
			return err
		}
		slog.Info("Metrics listening", "addr", msrv.Addr)
		servers = append(servers, msrv)
	}

	runErr := k.Run(ctx)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			slog.Warn("HTTP shutdown", "addr", s.Addr, "error", err)
		}
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func startMetricsServer(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server stopped", "error", err)
		}
	}()
	return srv, nil
}
