package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/fsutil"
)

// Index contains the aggregated index of all audited suites.
type Index struct {
	Generated int64         `json:"generated"`
	Entries   []*IndexEntry `json:"entries"`
}

// IndexEntry contains summary information for a single suite.
type IndexEntry struct {
	SuiteID    string           `json:"suite_id"`
	Spec       string           `json:"spec"`
	Timestamp  int64            `json:"timestamp"`
	DurationNs int64            `json:"duration_ns,omitempty"`
	Tests      *IndexTestCounts `json:"tests"`
	Flaky      []string         `json:"flaky,omitempty"`
}

// IndexTestCounts contains per-verdict test counts.
type IndexTestCounts struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Flaky    int `json:"flaky"`
	Unknown  int `json:"unknown,omitempty"`
	Attempts int `json:"attempts"`
}

// GenerateIndex scans the results directory and builds an index from all
// suites.
func GenerateIndex(resultsDir string) (*Index, error) {
	runsDir := filepath.Join(resultsDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{
				Generated: time.Now().Unix(),
				Entries:   make([]*IndexEntry, 0),
			}, nil
		}

		return nil, fmt.Errorf("reading runs directory: %w", err)
	}

	indexEntries := make([]*IndexEntry, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		summary, err := ReadSuite(filepath.Join(runsDir, entry.Name()))
		if err != nil {
			// Skip suites still being written or corrupted.
			continue
		}

		indexEntries = append(indexEntries, buildIndexEntry(summary))
	}

	// Newest first.
	sort.Slice(indexEntries, func(i, j int) bool {
		return indexEntries[i].Timestamp > indexEntries[j].Timestamp
	})

	return &Index{
		Generated: time.Now().Unix(),
		Entries:   indexEntries,
	}, nil
}

func buildIndexEntry(s *SuiteSummary) *IndexEntry {
	entry := &IndexEntry{
		SuiteID:   s.ID,
		Spec:      s.Spec,
		Timestamp: s.StartedAt.Unix(),
		Tests: &IndexTestCounts{
			Total:   len(s.Tests),
			Passed:  s.Counts[audit.VerdictPassed],
			Failed:  s.Counts[audit.VerdictFailed],
			Flaky:   s.Counts[audit.VerdictFlaky],
			Unknown: s.Counts[audit.VerdictUnknown],
		},
	}

	if !s.FinishedAt.IsZero() {
		entry.DurationNs = s.FinishedAt.Sub(s.StartedAt).Nanoseconds()
	}

	for _, t := range s.Tests {
		entry.Tests.Attempts += len(t.Attempts)

		if t.Verdict == audit.VerdictFlaky {
			entry.Flaky = append(entry.Flaky, t.Title)
		}
	}

	return entry
}

// WriteIndex writes the index to index.json in the runs subdirectory.
// owner may be nil.
func WriteIndex(resultsDir string, index *Index, owner *fsutil.Owner) error {
	runsDir := filepath.Join(resultsDir, "runs")
	if err := fsutil.MkdirAll(runsDir, owner); err != nil {
		return fmt.Errorf("creating runs directory: %w", err)
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	if err := fsutil.WriteFile(filepath.Join(runsDir, "index.json"), data, owner); err != nil {
		return fmt.Errorf("writing index.json: %w", err)
	}

	return nil
}

// MergeIndex merges two indexes by suite id, entries of b winning over a.
func MergeIndex(a, b *Index) *Index {
	byID := make(map[string]*IndexEntry, len(a.Entries)+len(b.Entries))

	for _, idx := range []*Index{a, b} {
		for _, e := range idx.Entries {
			byID[e.SuiteID] = e
		}
	}

	merged := &Index{
		Generated: max(a.Generated, b.Generated),
		Entries:   make([]*IndexEntry, 0, len(byID)),
	}

	for _, e := range byID {
		merged.Entries = append(merged.Entries, e)
	}

	sort.Slice(merged.Entries, func(i, j int) bool {
		if merged.Entries[i].Timestamp != merged.Entries[j].Timestamp {
			return merged.Entries[i].Timestamp > merged.Entries[j].Timestamp
		}

		return merged.Entries[i].SuiteID < merged.Entries[j].SuiteID
	})

	return merged
}
