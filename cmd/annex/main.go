// Command annex runs the vector search server: an HNSW index over a
// durable key-value store, exposed over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/annexdb/annex/internal/config"
	"github.com/annexdb/annex/internal/server"
	"github.com/annexdb/annex/pkg/codec"
	"github.com/annexdb/annex/pkg/core/distance"
	"github.com/annexdb/annex/pkg/engine"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:     "annex",
		Short:   "Vector similarity search server",
		Version: version,
		Long: `Annex is a vector similarity search server. Vectors and their metadata
live in an embedded key-value store; queries run against an in-memory
HNSW index that is persisted as a compressed artifact and rebuilt from
the store when the artifact is missing or stale.

Configuration precedence, lowest to highest: built-in defaults, an
annex.toml file, ANNEX_* environment variables, command-line flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	d := config.Default()
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a TOML config file")
	cmd.Flags().String("http_addr", d.HTTPAddr, "Address for the HTTP API")
	cmd.Flags().String("auth_token", d.AuthToken, "Bearer token required on API calls (empty disables auth)")
	cmd.Flags().String("data_dir", d.DataDir, "Directory for the store and the index artifact")
	cmd.Flags().Int("dimension", d.Dimension, "Vector dimensionality of the collection")
	cmd.Flags().String("metric", d.Metric, "Distance metric: euclidean, cosine or dot")
	cmd.Flags().String("layout", d.Layout, "Stored vector precision: float32 or float16")
	cmd.Flags().Int("m", d.M, "HNSW neighbors per node per layer")
	cmd.Flags().Int("ef_construction", d.EfConstruction, "HNSW build beam width")
	cmd.Flags().Int("default_ef", d.DefaultEf, "Search beam width when the request does not set one")
	cmd.Flags().Int("max_visits", d.MaxVisits, "Default per-search visit budget (0 = unbounded)")
	cmd.Flags().Duration("autosave_interval", d.AutoSaveInterval, "Interval between periodic index dumps (0 disables)")

	return cmd
}

func run(cfg config.Config) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "annex",
	})

	metric, err := distance.Parse(cfg.Metric)
	if err != nil {
		return err
	}
	layout, err := codec.ParseLayout(cfg.Layout)
	if err != nil {
		return err
	}

	eng, err := engine.Open(engine.Options{
		DataDir:          cfg.DataDir,
		Dimension:        cfg.Dimension,
		Metric:           metric,
		Layout:           layout,
		M:                cfg.M,
		EfConstruction:   cfg.EfConstruction,
		DefaultEf:        cfg.DefaultEf,
		MaxVisits:        cfg.MaxVisits,
		AutoSaveInterval: cfg.AutoSaveInterval,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}

	srv := server.NewServer(eng, server.Options{
		Addr:      cfg.HTTPAddr,
		AuthToken: cfg.AuthToken,
		Logger:    logger,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		eng.Close()
		return err
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	// Close last: it writes the final index artifact.
	if err := eng.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	logger.Info("bye")
	return nil
}
