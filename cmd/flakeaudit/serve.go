package main

import (
	"fmt"

	"github.com/ethpandaops/flakeaudit/pkg/api"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and query API server",
	Long: `Start the HTTP API. Runners stream events into ingestion sessions and
audited suites are queried from the database. With a database configured the
results directory is indexed in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("log-level"))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	var indexer store.Indexer

	if st != nil {
		defer func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()

		if cfg.Results.Dir != "" {
			indexer = store.NewIndexer(log, st, cfg.Results.Dir,
				cfg.Database.IndexInterval, cfg.Database.IndexConcurrency)
		}
	}

	// Sessions are not printed, the server has no terminal.
	p, err := newPipeline(ctx, cfg, st, nil)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, &cfg.API, st, p.newAuditor)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Index after the API is listening so it is reachable during the
	// first pass.
	if indexer != nil {
		if err := indexer.Start(ctx); err != nil {
			_ = srv.Stop()

			return fmt.Errorf("starting indexer: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("Shutting down API server")

	if indexer != nil {
		if err := indexer.Stop(); err != nil {
			log.WithError(err).Warn("Indexer stop error")
		}
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
