package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudquorum/cloudquorum/internal/config"
	"github.com/cloudquorum/cloudquorum/internal/coordinator"
	"github.com/cloudquorum/cloudquorum/internal/gc"
	"github.com/cloudquorum/cloudquorum/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc [KEY]",
		Short: "Reclaim orphaned and superseded chunks",
		Long: `Without KEY, deletes the chunks of failed puts and collects every key with
superseded versions. With KEY, collects that key only.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				var stats gc.Stats
				var err error
				if len(args) == 1 {
					stats, err = c.GCKey(ctx, args[0])
				} else {
					stats, err = c.GC(ctx)
				}
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func newBatchGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch-gc",
		Short: "Full sweep of every backend against the metadata store",
		Long: `Lists every backend and deletes each object that no metadata record refers
to. Run it while no writers are active: chunks of a put that has not yet
published its metadata look unreferenced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(coordOptions{}, func(ctx context.Context, c *coordinator.Coordinator) error {
				stats, err := c.BatchGC(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func newGCDaemonCmd() *cobra.Command {
	var (
		metricsListen string
		interval      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gc-daemon",
		Short: "Run background garbage collection and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mutate := func(cfg *config.Config) {
				cfg.GC.Enabled = true
				if interval > 0 {
					cfg.GC.Interval = interval.String()
				}
				if cfg.GC.Interval == "" {
					cfg.GC.Interval = "10m"
				}
			}
			return withCoordinator(coordOptions{mutate: mutate, registry: metrics.Registry}, func(ctx context.Context, c *coordinator.Coordinator) error {
				return runDaemon(ctx, c, metricsListen)
			})
		},
	}
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on (e.g. :9090)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "collection interval (default: gc.interval from config, else 10m)")
	return cmd
}

func runDaemon(ctx context.Context, c *coordinator.Coordinator, metricsListen string) error {
	collector := metrics.NewCollector(c.Metrics(), c.Backends())
	go collector.Run(ctx, 30*time.Second)

	if metricsListen == "" {
		log.Info().Msg("gc daemon running")
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              metricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", metricsListen).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func printStats(w io.Writer, s gc.Stats) {
	_, _ = fmt.Fprintf(w, "scanned:          %d\n", s.ObjectsScanned)
	_, _ = fmt.Fprintf(w, "deleted:          %d\n", s.ObjectsDeleted)
	_, _ = fmt.Fprintf(w, "delete errors:    %d\n", s.DeleteErrors)
	_, _ = fmt.Fprintf(w, "list errors:      %d\n", s.ListErrors)
	_, _ = fmt.Fprintf(w, "orphans cleared:  %d\n", s.OrphansCleared)
	_, _ = fmt.Fprintf(w, "keys collected:   %d\n", s.KeysCollected)
}
