package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// DefaultMarkdownMaxChars caps summary.md so it fits a CI job summary.
const DefaultMarkdownMaxChars = 60000

// WriterOptions configures a Writer.
type WriterOptions struct {
	GenerateIndex    bool
	GenerateMarkdown bool
	MarkdownMaxChars int

	// Owner, when set, is applied to every file and directory written.
	Owner *fsutil.Owner
}

// Writer is an audit sink persisting results as JSON files.
type Writer struct {
	log  logrus.FieldLogger
	dir  string
	opts WriterOptions

	// indexMu serializes index regeneration across suites finishing
	// concurrently.
	indexMu sync.Mutex
}

var _ audit.Sink = (*Writer)(nil)

// NewWriter creates a result writer rooted at dir.
func NewWriter(log logrus.FieldLogger, dir string, opts WriterOptions) *Writer {
	if opts.MarkdownMaxChars == 0 {
		opts.MarkdownMaxChars = DefaultMarkdownMaxChars
	}

	return &Writer{
		log:  log.WithField("component", "results"),
		dir:  dir,
		opts: opts,
	}
}

// SuiteDir returns the directory holding a suite's results.
func (w *Writer) SuiteDir(suiteID string) string {
	return filepath.Join(w.dir, "runs", suiteID)
}

// Attempt writes the attempt file.
func (w *Writer) Attempt(
	_ context.Context,
	suite *audit.SuiteAudit,
	test *audit.TestAudit,
	attempt *audit.Attempt,
) error {
	dir := filepath.Join(w.SuiteDir(suite.ID), "attempts")
	if err := fsutil.MkdirAll(dir, w.opts.Owner); err != nil {
		return fmt.Errorf("creating attempts directory: %w", err)
	}

	record := &AttemptRecord{
		SuiteID:   suite.ID,
		TestID:    test.TestID,
		TestTitle: test.TestTitle,
		Attempt:   attempt,
	}

	path := filepath.Join(dir, AttemptFileName(test.TestID, attempt.RetryIndex))

	if err := writeJSON(path, record, w.opts.Owner); err != nil {
		return err
	}

	w.log.WithField("path", path).Debug("Wrote attempt")

	return nil
}

// Finish writes suite.json, summary.md and refreshes the index.
func (w *Writer) Finish(_ context.Context, suite *audit.SuiteAudit) error {
	dir := w.SuiteDir(suite.ID)
	if err := fsutil.MkdirAll(dir, w.opts.Owner); err != nil {
		return fmt.Errorf("creating suite directory: %w", err)
	}

	summary := Summarize(suite)

	if err := writeJSON(filepath.Join(dir, "suite.json"), summary, w.opts.Owner); err != nil {
		return err
	}

	if w.opts.GenerateMarkdown {
		md := GenerateSuiteMarkdown(summary, w.opts.MarkdownMaxChars)

		if err := fsutil.WriteFile(filepath.Join(dir, "summary.md"), []byte(md), w.opts.Owner); err != nil {
			return fmt.Errorf("writing summary.md: %w", err)
		}
	}

	if w.opts.GenerateIndex {
		w.indexMu.Lock()
		defer w.indexMu.Unlock()

		index, err := GenerateIndex(w.dir)
		if err != nil {
			return fmt.Errorf("generating index: %w", err)
		}

		if err := WriteIndex(w.dir, index, w.opts.Owner); err != nil {
			return err
		}
	}

	w.log.WithFields(logrus.Fields{
		"suite_id": suite.ID,
		"tests":    len(suite.Tests),
		"dir":      dir,
	}).Info("Results written")

	return nil
}

func writeJSON(path string, v any, owner *fsutil.Owner) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	if err := fsutil.WriteFile(path, data, owner); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}

	return nil
}

// ReadSuite reads the suite.json of a suite directory.
func ReadSuite(suiteDir string) (*SuiteSummary, error) {
	data, err := os.ReadFile(filepath.Join(suiteDir, "suite.json"))
	if err != nil {
		return nil, fmt.Errorf("reading suite.json: %w", err)
	}

	var s SuiteSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing suite.json: %w", err)
	}

	return &s, nil
}

// ReadAttempt reads an attempt file.
func ReadAttempt(path string) (*AttemptRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading attempt: %w", err)
	}

	var r AttemptRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing attempt %s: %w", filepath.Base(path), err)
	}

	return &r, nil
}
