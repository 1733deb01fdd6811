package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of suites indexed in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// Indexer imports result directories written by results.Writer into a
// Store, either once or periodically in the background.
type Indexer interface {
	Start(ctx context.Context) error
	Stop() error

	// RunPass indexes every suite not yet present in the store and returns
	// the number of suites indexed.
	RunPass(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Indexer = (*indexer)(nil)

type indexer struct {
	log         logrus.FieldLogger
	store       Store
	resultsDir  string
	interval    time.Duration
	concurrency int
	done        chan struct{}
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewIndexer creates a results directory indexer.
func NewIndexer(
	log logrus.FieldLogger,
	store Store,
	resultsDir string,
	interval time.Duration,
	concurrency int,
) Indexer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &indexer{
		log:         log.WithField("component", "indexer"),
		store:       store,
		resultsDir:  resultsDir,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start runs an immediate pass in the background and then ticks at the
// configured interval.
func (idx *indexer) Start(ctx context.Context) error {
	if idx.interval <= 0 {
		return fmt.Errorf("indexer interval must be positive")
	}

	idx.log.WithFields(logrus.Fields{
		"interval":    idx.interval.String(),
		"concurrency": idx.concurrency,
		"dir":         idx.resultsDir,
	}).Info("Starting indexer")

	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		idx.pass(ctx)

		ticker := time.NewTicker(idx.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idx.pass(ctx)
			case <-idx.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the indexer goroutine to stop and waits for it.
func (idx *indexer) Stop() error {
	close(idx.done)
	idx.wg.Wait()

	idx.log.Info("Indexer stopped")

	return nil
}

func (idx *indexer) pass(ctx context.Context) {
	start := time.Now()

	count, err := idx.RunPass(ctx)
	if err != nil {
		idx.log.WithError(err).Warn("Indexing pass failed")

		return
	}

	idx.log.WithFields(logrus.Fields{
		"indexed":  count,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Indexing pass completed")
}

func (idx *indexer) RunPass(ctx context.Context) (int, error) {
	runsDir := filepath.Join(idx.resultsDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading runs directory: %w", err)
	}

	indexedIDs, err := idx.store.ListSuiteIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing indexed suite ids: %w", err)
	}

	indexedSet := make(map[string]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexedSet[id] = struct{}{}
	}

	var tasks []string

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, ok := indexedSet[entry.Name()]; ok {
			continue
		}

		tasks = append(tasks, entry.Name())
	}

	if len(tasks) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)

	var indexed atomic.Int64

	for _, suiteID := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-idx.done:
				return nil
			default:
			}

			if err := idx.indexSuite(gCtx, filepath.Join(runsDir, suiteID)); err != nil {
				idx.log.WithError(err).
					WithField("suite_id", suiteID).
					Warn("Failed to index suite")

				return nil //nolint:nilerr // log and continue
			}

			indexed.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(indexed.Load()), fmt.Errorf("indexing suites: %w", err)
	}

	return int(indexed.Load()), nil
}

// indexSuite reads suite.json and every attempt file it lists, then writes
// them in one go.
func (idx *indexer) indexSuite(ctx context.Context, suiteDir string) error {
	summary, err := results.ReadSuite(suiteDir)
	if err != nil {
		return err
	}

	type pending struct {
		attempt *Attempt
		nodes   []*Node
	}

	rows := make([]pending, 0, len(summary.Tests))

	for _, t := range summary.Tests {
		test := &audit.TestAudit{TestID: t.TestID, TestTitle: t.Title, File: t.File}

		for _, a := range t.Attempts {
			record, err := results.ReadAttempt(filepath.Join(suiteDir, filepath.FromSlash(a.Path)))
			if err != nil {
				return err
			}

			if record.Attempt == nil {
				return fmt.Errorf("attempt file %s is empty", a.Path)
			}

			rows = append(rows, pending{
				attempt: AttemptFromAudit(summary.ID, test, record.Attempt, summary.Thresholds),
				nodes:   NodesFromGraph(record.Graph),
			})
		}
	}

	idx.dbMu.Lock()
	defer idx.dbMu.Unlock()

	for _, row := range rows {
		if err := idx.store.UpsertAttempt(ctx, row.attempt); err != nil {
			return err
		}

		if err := idx.store.BulkInsertNodes(ctx, row.attempt.ID, row.nodes); err != nil {
			return err
		}
	}

	// The suite row goes last so an interrupted pass is retried.
	if err := idx.store.UpsertSuite(ctx, SuiteFromSummary(summary)); err != nil {
		return err
	}

	idx.log.WithFields(logrus.Fields{
		"suite_id": summary.ID,
		"attempts": len(rows),
	}).Info("Indexed suite")

	return nil
}
