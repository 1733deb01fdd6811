package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/source"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	watchDevToolsURL string
	watchTargetURL   string
	watchSpec        string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Audit a live test run through the Chrome DevTools protocol",
	Long: `Attach to the browser the runner drives (started with a remote debugging
port) and audit the events its support code logs to the console. The suite
is finished when the page goes away or on SIGINT.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDevToolsURL, "devtools-url", "",
		"DevTools endpoint (overrides watch.devtools_url)")
	watchCmd.Flags().StringVar(&watchTargetURL, "target-url", "",
		"Attach to the page whose URL contains this (overrides watch.target_url)")
	watchCmd.Flags().StringVar(&watchSpec, "spec", "",
		"Spec name for the audited suite (overrides watch.spec)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("log-level"))
	if err != nil {
		return err
	}

	if watchDevToolsURL != "" {
		cfg.Watch.DevToolsURL = watchDevToolsURL
	}

	if watchTargetURL != "" {
		cfg.Watch.TargetURL = watchTargetURL
	}

	if watchSpec != "" {
		cfg.Watch.Spec = watchSpec
	}

	if cfg.Watch.Spec == "" {
		cfg.Watch.Spec = "live"
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

	auditor, err := p.newAuditor(cfg.Watch.Spec, "")
	if err != nil {
		return fmt.Errorf("creating auditor: %w", err)
	}

	src := source.NewDevToolsSource(log, cfg.Watch.DevToolsURL, cfg.Watch.ConsolePrefix, cfg.Watch.TargetURL)

	runErr := src.Run(ctx, func(ctx context.Context, env *events.Envelope) error {
		if err := auditor.Handle(ctx, env); err != nil {
			log.WithError(err).Debug("Event rejected")
		}

		return nil
	})

	// Finish with a fresh context, the watch context is usually cancelled.
	suite, err := auditor.Finish(context.Background())
	if err != nil {
		log.WithError(err).Warn("Suite finished with sink errors")
	}

	log.WithFields(logrus.Fields{
		"suite_id": suite.ID,
		"tests":    len(suite.Tests),
		"excluded": len(suite.Excluded),
	}).Info("Live run audited")

	if runErr != nil {
		return fmt.Errorf("watching devtools: %w", runErr)
	}

	return nil
}
