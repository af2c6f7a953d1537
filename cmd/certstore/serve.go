package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/certstore/pkg/config"
	"github.com/cuemby/certstore/pkg/log"
	"github.com/cuemby/certstore/pkg/maintenance"
	"github.com/cuemby/certstore/pkg/metrics"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the store with scheduled maintenance and health endpoints",
		Long: `Open the store, run maintenance on the configured interval and serve
/metrics, /health, /ready and /live until interrupted.

A store that fails to initialise keeps the process running and reports
not ready, so an orchestrator can surface the failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("metrics-addr"); cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("metrics-addr", "", "Listen address for metrics and health endpoints")
	return cmd
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	return mux
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(metrics.ComponentStore)
	metrics.RegisterComponent(metrics.ComponentStore, false, "initialising")

	storeLogger := log.WithComponent("store")
	opts := cfg.StoreOptions()
	opts.Logger = &storeLogger

	s, err := storage.Open(ctx, cfg.Storage.Backend, cfg.StorageSettings(), opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if initErr := s.InitError(); initErr != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, initErr.Error())
	}
	metrics.RegisterProbe(metrics.ComponentStore, func(ctx context.Context) error {
		if s.IsInitialised(ctx) {
			return nil
		}
		if initErr := s.InitError(); initErr != nil {
			return initErr
		}
		return storage.ErrUnavailable
	})

	var runner *maintenance.Runner
	if cfg.Maintenance.Enabled {
		runner = maintenance.NewRunner(s, cfg.Maintenance.Interval, log.WithComponent("maintenance"))
		runner.Start(ctx)
		fmt.Println("✓ Maintenance scheduler started")
	} else if s.IsInitialised(ctx) {
		metrics.UpdateComponent(metrics.ComponentStore, true, "")
	}

	server := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           newMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %v", err)
		}
	}()
	metrics.RegisterComponent(metrics.ComponentHTTP, true, "")

	logger.Info().
		Str("backend", s.Backend()).
		Str("addr", cfg.Server.MetricsAddr).
		Msg("certstore running")
	fmt.Printf("Serving metrics and health on %s. Press Ctrl+C to stop.\n", cfg.Server.MetricsAddr)

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case serveErr = <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", serveErr)
	}

	if runner != nil {
		runner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	fmt.Println("✓ Shutdown complete")
	return serveErr
}
