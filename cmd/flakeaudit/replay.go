package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/ethpandaops/flakeaudit/pkg/source"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	replaySpec          string
	replayRunnerVersion string
	replayConcurrency   int
	replayUpload        bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <event-log>...",
	Short: "Audit recorded runner event logs",
	Long: `Replay one or more newline delimited JSON event logs through the audit
pipeline. Each log is audited as its own suite. Use "-" to read standard input.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replaySpec, "spec", "",
		"Spec name for the audited suite (defaults to the log file name)")
	replayCmd.Flags().StringVar(&replayRunnerVersion, "runner-version", "",
		"Version of the runner that produced the logs (overrides audit.runner_version)")
	replayCmd.Flags().IntVar(&replayConcurrency, "concurrency", 4,
		"Number of logs audited in parallel")
	replayCmd.Flags().BoolVar(&replayUpload, "upload", false,
		"Upload the results to S3 after auditing (requires upload.s3)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("log-level"))
	if err != nil {
		return err
	}

	if !cfg.Audit.Enabled {
		log.Warn("Auditing is disabled (audit.enabled=false), nothing to do")

		return nil
	}

	if replaySpec != "" && len(args) > 1 {
		return fmt.Errorf("--spec can only be used with a single event log")
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	if st != nil {
		defer func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()
	}

	p, err := newPipeline(ctx, cfg, st, os.Stdout)
	if err != nil {
		return err
	}

	suiteIDs := make([]string, len(args))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(replayConcurrency, 1))

	for i, path := range args {
		g.Go(func() error {
			id, err := replayLog(gctx, p, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			suiteIDs[i] = id

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if replayUpload {
		return uploadSuites(ctx, cfg, suiteIDs)
	}

	return nil
}

// replayLog audits a single event log and returns the suite id.
func replayLog(ctx context.Context, p *pipeline, path string) (string, error) {
	spec := replaySpec
	if spec == "" {
		spec = specFromPath(path)
	}

	auditor, err := p.newAuditor(spec, replayRunnerVersion)
	if err != nil {
		return "", fmt.Errorf("creating auditor: %w", err)
	}

	llog := log.WithFields(logrus.Fields{
		"log":      path,
		"suite_id": auditor.Suite().ID,
	})

	var violations int

	err = source.NewFileSource(log, path).Run(ctx, func(ctx context.Context, env *events.Envelope) error {
		if err := auditor.Handle(ctx, env); err != nil {
			violations++

			llog.WithError(err).Debug("Event rejected")
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	suite, err := auditor.Finish(ctx)
	if err != nil {
		llog.WithError(err).Warn("Suite finished with sink errors")
	}

	counts := results.Summarize(suite).Counts

	llog.WithFields(logrus.Fields{
		"tests":      len(suite.Tests),
		"flaky":      counts[audit.VerdictFlaky],
		"failed":     counts[audit.VerdictFailed],
		"excluded":   len(suite.Excluded),
		"violations": violations,
	}).Info("Event log audited")

	return suite.ID, nil
}

// specFromPath derives a spec name from an event log path.
func specFromPath(path string) string {
	if path == "-" {
		return "stdin"
	}

	base := filepath.Base(path)

	for _, ext := range []string{".ndjson", ".jsonl", ".json", ".log"} {
		if trimmed, ok := strings.CutSuffix(base, ext); ok {
			return trimmed
		}
	}

	return base
}
