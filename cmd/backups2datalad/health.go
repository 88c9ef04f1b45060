package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
)

var serveHealthCmd = &cobra.Command{
	Use:   "serve-health",
	Short: "Serve Prometheus metrics and a liveness endpoint",
	Long: `serve-health runs a standalone HTTP server exposing /metrics (the
Report counters pkg/metrics accumulates across sync runs in this process)
and /healthz (a trivial liveness probe), for deployments that run "sync"
on a schedule in the same process group and want a sidecar endpoint to
scrape.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := cmd.Flags().GetString("addr")
		if err != nil {
			return err
		}
		return serveHealth(cmd.Context(), addr)
	},
}

func init() {
	serveHealthCmd.Flags().String("addr", "127.0.0.1:9090", "Address to serve /metrics and /healthz on")
}

func serveHealth(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := dandilog.WithComponent("health")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics and health endpoints")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		log.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}
