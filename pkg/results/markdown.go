package results

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/sysinfo"
)

// GenerateSuiteMarkdown renders a markdown summary of a suite. The output
// is capped at maxChars characters; the per-test table is truncated first.
func GenerateSuiteMarkdown(s *SuiteSummary, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	fmt.Fprintf(&sb, "# Flake Audit: %s\n\n", s.Spec)

	writeOverview(&sb, s)
	writeVerdicts(&sb, s)
	writeSystem(&sb, s.Host)
	writeExcluded(&sb, s.Excluded)

	// Test table is last, it gets truncated if needed.
	writeTests(&sb, s, maxChars)

	return sb.String()
}

func writeOverview(sb *strings.Builder, s *SuiteSummary) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(sb, "| Suite | `%s` |\n", s.ID)

	if !s.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Started | %s |\n",
			s.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		fmt.Fprintf(sb, "| Duration | %s |\n",
			units.HumanDuration(s.FinishedAt.Sub(s.StartedAt)))
	}

	if s.Thresholds.Test > 0 {
		fmt.Fprintf(sb, "| Slow test threshold | %s |\n", s.Thresholds.Test)
	}

	if s.Thresholds.Command > 0 {
		fmt.Fprintf(sb, "| Slow command threshold | %s |\n", s.Thresholds.Command)
	}

	sb.WriteByte('\n')
}

func writeVerdicts(sb *strings.Builder, s *SuiteSummary) {
	sb.WriteString("## Test Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Flaky |\n")
	sb.WriteString("|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d |\n\n",
		len(s.Tests),
		s.Counts[audit.VerdictPassed],
		s.Counts[audit.VerdictFailed],
		s.Counts[audit.VerdictFlaky],
	)
}

func writeSystem(sb *strings.Builder, sys *sysinfo.Info) {
	if sys == nil {
		return
	}

	sb.WriteString("## System\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalGB > 0 {
		fmt.Fprintf(sb, "| Memory | %.1f GB |\n", sys.MemoryTotalGB)
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	sb.WriteByte('\n')
}

func writeExcluded(sb *strings.Builder, excluded []string) {
	if len(excluded) == 0 {
		return
	}

	sb.WriteString("## Excluded Runs\n\n")

	for _, key := range excluded {
		fmt.Fprintf(sb, "- `%s`\n", key)
	}

	sb.WriteByte('\n')
}

func writeTests(sb *strings.Builder, s *SuiteSummary, maxChars int) {
	if len(s.Tests) == 0 {
		return
	}

	sb.WriteString("## Tests\n\n")
	sb.WriteString("| Test | Verdict | Attempts | Duration | Failed | Never run | Slow |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, t := range s.Tests {
		row := testRow(t)

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more test(s) not shown (output truncated at %d chars)*\n",
				len(s.Tests)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

func testRow(t *TestSummary) string {
	var (
		total             time.Duration
		failed, neverRun  int
		slow, slowCommand int
	)

	for _, a := range t.Attempts {
		total += time.Duration(a.DurationNs)
		failed += a.Failed
		neverRun += a.NeverRun
		slowCommand += a.SlowCommands

		if a.Slow {
			slow++
		}
	}

	slowCell := "-"
	if slow > 0 || slowCommand > 0 {
		slowCell = fmt.Sprintf("%d attempt(s), %d command(s)", slow, slowCommand)
	}

	return fmt.Sprintf("| %s | %s | %d/%d | %s | %d | %d | %s |\n",
		escapeCell(t.Title),
		verdictLabel(t.Verdict),
		len(t.Attempts), t.MaxRetries+1,
		formatDuration(total),
		failed,
		neverRun,
		slowCell,
	)
}

func verdictLabel(v audit.Verdict) string {
	switch v {
	case audit.VerdictPassed:
		return "✔️ passed"
	case audit.VerdictFlaky:
		return "⚠️ flaky"
	case audit.VerdictFailed:
		return "❌ failed"
	default:
		return "⛔ " + string(v)
	}
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

// formatDuration formats short durations to the millisecond and long ones
// in human units.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}

	return units.HumanDuration(d)
}
