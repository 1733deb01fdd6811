package store

import (
	"encoding/json"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
	"github.com/ethpandaops/flakeaudit/pkg/results"
)

// SuiteFromSummary builds a suite row from a suite summary.
func SuiteFromSummary(s *results.SuiteSummary) *Suite {
	suite := &Suite{
		SuiteID:     s.ID,
		Spec:        s.Spec,
		StartedAt:   s.StartedAt,
		TestsTotal:  len(s.Tests),
		TestsPassed: s.Counts[audit.VerdictPassed],
		TestsFailed: s.Counts[audit.VerdictFailed],
		TestsFlaky:  s.Counts[audit.VerdictFlaky],
		Excluded:    len(s.Excluded),
		IndexedAt:   time.Now().UTC(),
	}

	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		suite.FinishedAt = &finished
	}

	if s.Host != nil {
		suite.Hostname = s.Host.Hostname
	}

	return suite
}

// AttemptFromAudit builds an attempt row.
func AttemptFromAudit(
	suiteID string,
	test *audit.TestAudit,
	a *audit.Attempt,
	th audit.Thresholds,
) *Attempt {
	row := &Attempt{
		SuiteID:    suiteID,
		TestID:     test.TestID,
		RetryIndex: a.RetryIndex,
		TestTitle:  test.TestTitle,
		File:       test.File,
		State:      string(a.Test.State),
		RunStart:   a.RunStart,
		DurationNs: a.Duration().Nanoseconds(),
		Slow:       a.Slow(th),
	}

	if a.Graph != nil {
		row.Commands = a.Graph.Len()
		row.Failed = len(a.Graph.Failed())
		row.NeverRun = len(a.Graph.NeverRun())

		if th.Command > 0 {
			row.SlowCommands = len(a.Graph.Slow(th.Command))
		}
	}

	return row
}

// NodesFromGraph converts every node of g, in graph order.
func NodesFromGraph(g *graph.ResultsGraph) []*Node {
	if g == nil {
		return nil
	}

	nodes := make([]*Node, 0, g.Len())

	for _, n := range g.Nodes() {
		row := &Node{
			CommandID:           n.ID,
			Name:                n.Name,
			Kind:                string(n.Kind),
			Type:                string(n.Type),
			RunnableType:        string(n.RunnableType),
			State:               string(n.State),
			EnqueuedAt:          n.EnqueuedTime,
			StartedAt:           n.StartTime,
			EndedAt:             n.EndTime,
			DurationNs:          nanos(n.Duration),
			PreciseDurationNs:   nanos(n.PreciseDuration),
			InternalRetries:     n.InternalRetries,
			QueueInsertionOrder: n.QueueInsertionOrder,
			ExecutionOrder:      n.ExecutionOrder,
			NestingLevel:        n.NestingLevel,
			PrevCommandID:       n.PrevCommandID,
			NextCommandID:       n.NextCommandID,
			PrevQueuedCommandID: n.PrevQueuedCommandID,
		}

		if len(n.Args) > 0 {
			if data, err := json.Marshal(n.Args); err == nil {
				row.ArgsJSON = string(data)
			}
		}

		nodes = append(nodes, row)
	}

	return nodes
}

func nanos(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}

	v := d.Nanoseconds()

	return &v
}
