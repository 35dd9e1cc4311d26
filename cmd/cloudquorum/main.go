// cloudquorum stores values redundantly across several untrusted storage
// backends behind a single timestamp-ordered metadata record per key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudquorum/cloudquorum/internal/config"
	"github.com/cloudquorum/cloudquorum/internal/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudquorum",
		Short: "cloudquorum - quorum storage over untrusted backends",
		Long: `cloudquorum splits every value into erasure-coded chunks, writes them to
independent storage backends until a quorum acknowledges, and publishes a
single metadata record per key. The highest timestamp always wins.

EXAMPLES:

  cloudquorum -c cloudquorum.yaml put photos/cat.jpg ./cat.jpg
  cloudquorum -c cloudquorum.yaml get photos/cat.jpg > cat.jpg
  cloudquorum -c cloudquorum.yaml list
  cloudquorum -c cloudquorum.yaml gc
  cloudquorum -c cloudquorum.yaml gc-daemon --metrics-listen :9090`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "cloudquorum.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newListCmd(),
		newMetadataCmd(),
		newPurgeCmd(),
		newGCCmd(),
		newBatchGCCmd(),
		newGCDaemonCmd(),
		newLatencyCmd(),
	)
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// coordOptions tweak how withCoordinator opens the coordinator.
type coordOptions struct {
	mutate   func(*config.Config)
	registry prometheus.Registerer // nil: a private registry nothing serves
}

// withCoordinator opens a coordinator for the duration of fn and shuts it down afterwards.
// SIGINT and SIGTERM cancel the context passed to fn.
func withCoordinator(opts coordOptions, fn func(ctx context.Context, c *coordinator.Coordinator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.mutate != nil {
		opts.mutate(cfg)
	}
	registry := opts.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := coordinator.Open(ctx, cfg, log.Logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}()

	return fn(ctx, c)
}
