// Package results writes audit results to a directory tree:
//
//	<dir>/runs/<suite id>/suite.json
//	<dir>/runs/<suite id>/summary.md
//	<dir>/runs/<suite id>/attempts/<test id>-<retry>.json
//	<dir>/runs/index.json
package results

import (
	"regexp"
	"strconv"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/sysinfo"
)

// SuiteSummary is the content of suite.json. It carries per-attempt
// counters only; graphs live in the attempt files.
type SuiteSummary struct {
	ID         string                `json:"id"`
	Spec       string                `json:"spec"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at,omitzero"`
	Thresholds audit.Thresholds      `json:"thresholds"`
	Host       *sysinfo.Info         `json:"host,omitempty"`
	Excluded   []string              `json:"excluded_runs,omitempty"`
	Counts     map[audit.Verdict]int `json:"counts"`
	Tests      []*TestSummary        `json:"tests"`
}

// TestSummary summarizes one test of a suite.
type TestSummary struct {
	TestID     string           `json:"test_id"`
	Title      string           `json:"title"`
	File       string           `json:"file,omitempty"`
	Verdict    audit.Verdict    `json:"verdict"`
	MaxRetries int              `json:"max_retries"`
	Attempts   []AttemptSummary `json:"attempts"`
}

// AttemptSummary summarizes one attempt of a test.
type AttemptSummary struct {
	RetryIndex   int          `json:"retry_index"`
	State        events.State `json:"state"`
	DurationNs   int64        `json:"duration_ns"`
	Slow         bool         `json:"slow"`
	Commands     int          `json:"commands"`
	Failed       int          `json:"failed"`
	NeverRun     int          `json:"never_run"`
	SlowCommands int          `json:"slow_commands"`
	Path         string       `json:"path"`
}

// AttemptRecord is the content of an attempt file.
type AttemptRecord struct {
	SuiteID   string `json:"suite_id"`
	TestID    string `json:"test_id"`
	TestTitle string `json:"test_title"`
	*audit.Attempt
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AttemptFileName returns the file name of an attempt inside the suite's
// attempts directory.
func AttemptFileName(testID string, retry int) string {
	name := unsafeName.ReplaceAllString(testID, "_")
	if name == "" {
		name = "test"
	}

	return name + "-" + strconv.Itoa(retry) + ".json"
}

// Summarize builds the suite.json content of a suite audit.
func Summarize(suite *audit.SuiteAudit) *SuiteSummary {
	s := &SuiteSummary{
		ID:         suite.ID,
		Spec:       suite.Spec,
		StartedAt:  suite.StartedAt,
		FinishedAt: suite.FinishedAt,
		Thresholds: suite.Thresholds,
		Host:       suite.Host,
		Excluded:   suite.Excluded,
		Counts:     suite.Counts(),
		Tests:      make([]*TestSummary, 0, len(suite.Tests)),
	}

	for _, t := range suite.Tests {
		ts := &TestSummary{
			TestID:     t.TestID,
			Title:      t.TestTitle,
			File:       t.File,
			Verdict:    t.Verdict(),
			MaxRetries: t.MaxRetries,
			Attempts:   make([]AttemptSummary, 0, len(t.Retries)),
		}

		for _, a := range t.Retries {
			ts.Attempts = append(ts.Attempts, summarizeAttempt(a, suite.Thresholds))
		}

		s.Tests = append(s.Tests, ts)
	}

	return s
}

func summarizeAttempt(a *audit.Attempt, th audit.Thresholds) AttemptSummary {
	sum := AttemptSummary{
		RetryIndex: a.RetryIndex,
		State:      a.Test.State,
		DurationNs: a.Duration().Nanoseconds(),
		Slow:       a.Slow(th),
		Path:       "attempts/" + AttemptFileName(a.Test.ID, a.RetryIndex),
	}

	if a.Graph != nil {
		sum.Commands = a.Graph.Len()
		sum.Failed = len(a.Graph.Failed())
		sum.NeverRun = len(a.Graph.NeverRun())

		if th.Command > 0 {
			sum.SlowCommands = len(a.Graph.Slow(th.Command))
		}
	}

	return sum
}
