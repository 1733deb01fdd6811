package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/ethpandaops/flakeaudit/pkg/console"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/ethpandaops/flakeaudit/pkg/sysinfo"
	"github.com/sirupsen/logrus"
)

// loadConfig loads and validates the configuration. The global log level
// from the file applies unless --log-level was given explicitly.
func loadConfig(logLevelChanged bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !logLevelChanged && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// openStore starts the configured database, or returns nil when the
// database is disabled.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

// pipeline builds auditors wired to every configured sink.
type pipeline struct {
	cfg     *config.Config
	store   store.Store
	host    *sysinfo.Info
	writer  *results.Writer
	printer *console.Printer
}

func newPipeline(ctx context.Context, cfg *config.Config, st store.Store, out io.Writer) (*pipeline, error) {
	p := &pipeline{cfg: cfg, store: st}

	if cfg.Audit.CollectHostInfo {
		host, err := sysinfo.Collect(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to collect host information")
		}

		p.host = host
	}

	// One writer for all suites so index regeneration is serialized.
	if cfg.Results.Dir != "" {
		owner, err := cfg.Results.ParseOwner()
		if err != nil {
			return nil, err
		}

		p.writer = results.NewWriter(log, cfg.Results.Dir, results.WriterOptions{
			GenerateIndex:    cfg.Results.GenerateIndex,
			GenerateMarkdown: cfg.Results.GenerateMarkdown,
			Owner:            owner,
		})
	}

	if cfg.Audit.Console && out != nil {
		p.printer = console.NewPrinter(out, console.Layout(cfg.Audit.ConsoleType))
	}

	return p, nil
}

// newAuditor creates an auditor for one spec.
func (p *pipeline) newAuditor(spec, runnerVersion string) (*audit.Auditor, error) {
	if runnerVersion == "" {
		runnerVersion = p.cfg.Audit.RunnerVersion
	}

	sinks := make([]audit.Sink, 0, 3)

	if p.writer != nil {
		sinks = append(sinks, p.writer)
	}

	if p.store != nil {
		sinks = append(sinks, store.NewSink(log, p.store))
	}

	if p.printer != nil {
		sinks = append(sinks, p.printer)
	}

	return audit.NewAuditor(log.WithField("spec", spec), audit.Options{
		Spec:          spec,
		RunnerVersion: runnerVersion,
		Thresholds: audit.Thresholds{
			Test:    p.cfg.Audit.TestSlownessThreshold,
			Command: p.cfg.Audit.CommandSlownessThreshold,
		},
		ResultTasks: p.cfg.Audit.ResultTasks,
		Host:        p.host,
	}, sinks...)
}
