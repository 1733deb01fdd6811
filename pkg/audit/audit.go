// Package audit drives the recorder from runner events and accumulates the
// reconstructed graphs of every attempt into per-test audits.
package audit

import (
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
	"github.com/ethpandaops/flakeaudit/pkg/recorder"
	"github.com/ethpandaops/flakeaudit/pkg/sysinfo"
)

// Verdict is the outcome of a test across all of its attempts.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
	VerdictFlaky  Verdict = "flaky"
	// VerdictUnknown covers tests whose attempts were all excluded.
	VerdictUnknown Verdict = "unknown"
)

// Thresholds are the slowness limits reports use to flag tests and
// commands.
type Thresholds struct {
	Test    time.Duration `json:"test_ns"`
	Command time.Duration `json:"command_ns"`
}

// Attempt is the reconstructed history of one run of a test.
type Attempt struct {
	RunKey     recorder.RunKey     `json:"-"`
	RetryIndex int                 `json:"retry_index"`
	RunStart   time.Time           `json:"run_start"`
	Test       events.Test         `json:"test"`
	Graph      *graph.ResultsGraph `json:"results_graph"`
}

// Duration returns the attempt duration reported by the runner.
func (a *Attempt) Duration() time.Duration {
	return time.Duration(a.Test.Duration * float64(time.Millisecond))
}

// Slow reports whether the attempt exceeded the test slowness threshold.
func (a *Attempt) Slow(t Thresholds) bool {
	return t.Test > 0 && a.Duration() > t.Test
}

// TestAudit aggregates every attempt of one test.
type TestAudit struct {
	TestID     string     `json:"test_id"`
	TestTitle  string     `json:"test_title"`
	File       string     `json:"file,omitempty"`
	MaxRetries int        `json:"max_retries"`
	Retries    []*Attempt `json:"retries_info"`
}

// Last returns the most recent attempt, or nil.
func (t *TestAudit) Last() *Attempt {
	if len(t.Retries) == 0 {
		return nil
	}

	return t.Retries[len(t.Retries)-1]
}

// Verdict classifies the test: flaky when an attempt failed and a later
// one passed.
func (t *TestAudit) Verdict() Verdict {
	var failedBefore bool

	for _, a := range t.Retries {
		switch a.Test.State {
		case events.StatePassed:
			if failedBefore {
				return VerdictFlaky
			}

			return VerdictPassed
		case events.StateFailed:
			failedBefore = true
		}
	}

	if failedBefore {
		return VerdictFailed
	}

	return VerdictUnknown
}

// SuiteAudit is the audit of one spec file run.
type SuiteAudit struct {
	ID         string        `json:"id"`
	Spec       string        `json:"spec"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Thresholds Thresholds    `json:"thresholds"`
	Host       *sysinfo.Info `json:"host,omitempty"`
	Excluded   []string      `json:"excluded_runs,omitempty"`
	Tests      []*TestAudit  `json:"tests"`
}

// Counts returns the number of tests per verdict.
func (s *SuiteAudit) Counts() map[Verdict]int {
	counts := make(map[Verdict]int, 4)
	for _, t := range s.Tests {
		counts[t.Verdict()]++
	}

	return counts
}
