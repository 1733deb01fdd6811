package main

import (
	"fmt"

	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/spf13/cobra"
)

var indexResultsDir string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild index.json and the database from the results directory",
	Long: `Scan runs/*/suite.json in the results directory to regenerate
runs/index.json. With a database configured, suites not yet stored are
imported as well.`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringVar(&indexResultsDir, "results-dir", "",
		"Path to the results directory (overrides results.dir)")
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("log-level"))
	if err != nil {
		return err
	}

	dir := cfg.Results.Dir
	if indexResultsDir != "" {
		dir = indexResultsDir
	}

	if dir == "" {
		return fmt.Errorf("results directory is required (results.dir or --results-dir)")
	}

	log.WithField("results_dir", dir).Info("Generating index.json from local results")

	index, err := results.GenerateIndex(dir)
	if err != nil {
		return fmt.Errorf("generating index: %w", err)
	}

	owner, err := cfg.Results.ParseOwner()
	if err != nil {
		return err
	}

	if err := results.WriteIndex(dir, index, owner); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	log.WithField("entries_count", len(index.Entries)).Info("index.json generated successfully")

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	if st == nil {
		return nil
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	indexed, err := store.NewIndexer(log, st, dir, cfg.Database.IndexInterval,
		cfg.Database.IndexConcurrency).RunPass(ctx)
	if err != nil {
		return fmt.Errorf("indexing into database: %w", err)
	}

	log.WithField("suites", indexed).Info("Database index updated")

	return nil
}
