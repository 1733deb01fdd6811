package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/sirupsen/logrus"
)

// Sink is an audit sink writing into a Store.
type Sink struct {
	log   logrus.FieldLogger
	store Store
}

var _ audit.Sink = (*Sink)(nil)

// NewSink creates a sink persisting into s.
func NewSink(log logrus.FieldLogger, s Store) *Sink {
	return &Sink{
		log:   log.WithField("component", "store-sink"),
		store: s,
	}
}

// Attempt stores the attempt and its nodes. The suite row is upserted
// first so attempts of an unfinished suite are listed too.
func (s *Sink) Attempt(
	ctx context.Context,
	suite *audit.SuiteAudit,
	test *audit.TestAudit,
	attempt *audit.Attempt,
) error {
	if err := s.store.UpsertSuite(ctx, SuiteFromSummary(results.Summarize(suite))); err != nil {
		return err
	}

	row := AttemptFromAudit(suite.ID, test, attempt, suite.Thresholds)
	if err := s.store.UpsertAttempt(ctx, row); err != nil {
		return err
	}

	if err := s.store.BulkInsertNodes(ctx, row.ID, NodesFromGraph(attempt.Graph)); err != nil {
		return fmt.Errorf("storing nodes of %s-%d: %w", test.TestID, attempt.RetryIndex, err)
	}

	s.log.WithFields(logrus.Fields{
		"suite_id":   suite.ID,
		"attempt_id": row.ID,
	}).Debug("Stored attempt")

	return nil
}

// Finish stores the final suite counts.
func (s *Sink) Finish(ctx context.Context, suite *audit.SuiteAudit) error {
	return s.store.UpsertSuite(ctx, SuiteFromSummary(results.Summarize(suite)))
}
