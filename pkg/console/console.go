// Package console prints audited attempts to a terminal, either as one
// line per command or as a table.
package console

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/docker/go-units"
	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
)

// Layout selects how commands are printed.
type Layout string

const (
	LayoutList  Layout = "list"
	LayoutTable Layout = "table"
)

// Columns of the table layout.
var Columns = []string{"State", "Type", "Command", "Enqueued Time", "Run Time", "#Internal retries"}

// Printer is an audit sink writing human readable reports.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	layout Layout

	header  lipgloss.Style
	failed  lipgloss.Style
	passed  lipgloss.Style
	queued  lipgloss.Style
	border  lipgloss.Style
	heading lipgloss.Style
}

var _ audit.Sink = (*Printer)(nil)

// NewPrinter creates a printer writing to w. Colors are only emitted when
// w is a terminal.
func NewPrinter(w io.Writer, layout Layout) *Printer {
	r := lipgloss.NewRenderer(w)

	if layout != LayoutList {
		layout = LayoutTable
	}

	return &Printer{
		w:       w,
		layout:  layout,
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("196")),
		passed:  r.NewStyle().Foreground(lipgloss.Color("42")),
		queued:  r.NewStyle().Foreground(lipgloss.Color("241")),
		border:  r.NewStyle().Foreground(lipgloss.Color("62")),
		heading: r.NewStyle().Bold(true).Padding(0, 1),
	}
}

// Attempt prints the attempt's banner and its commands.
func (p *Printer) Attempt(
	_ context.Context,
	suite *audit.SuiteAudit,
	_ *audit.TestAudit,
	attempt *audit.Attempt,
) error {
	var sb strings.Builder

	sb.WriteString(p.header.Render(testHeader(&attempt.Test, suite.Thresholds.Test)))
	sb.WriteByte('\n')

	if attempt.Graph != nil && attempt.Graph.Len() > 0 {
		switch p.layout {
		case LayoutList:
			p.writeList(&sb, attempt.Graph, suite.Thresholds.Command)
		default:
			sb.WriteString(p.renderTable(attempt.Graph, suite.Thresholds.Command))
			sb.WriteByte('\n')
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := io.WriteString(p.w, sb.String())

	return err
}

func (p *Printer) writeList(sb *strings.Builder, g *graph.ResultsGraph, threshold time.Duration) {
	for _, n := range g.Nodes() {
		line := []string{
			commandState(n, threshold),
			commandType(n),
			commandName(n),
			"Enqueued time: " + enqueuedTime(n),
		}

		if rt := runTime(n); rt != "" {
			line = append(line, "Run time: "+rt)
		}

		line = append(line, "#Internal retries: "+strconv.Itoa(n.InternalRetries))

		indent := strings.Repeat("  ", n.NestingLevel)
		sb.WriteString("      " + indent + p.stateStyle(n).Render(strings.Join(line, " | ")))
		sb.WriteByte('\n')
	}
}

func (p *Printer) renderTable(g *graph.ResultsGraph, threshold time.Duration) string {
	nodes := g.Nodes()
	rows := make([][]string, 0, len(nodes))

	for _, n := range nodes {
		rows = append(rows, []string{
			commandState(n, threshold),
			commandType(n),
			strings.Repeat("  ", n.NestingLevel) + commandName(n),
			enqueuedTime(n),
			runTime(n),
			strconv.Itoa(n.InternalRetries),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.border).
		Headers(Columns...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.heading
			}

			if row >= 0 && row < len(nodes) {
				return p.stateStyle(nodes[row]).Padding(0, 1)
			}

			return lipgloss.NewStyle()
		})

	return t.String()
}

func (p *Printer) stateStyle(n *graph.Node) lipgloss.Style {
	switch {
	case n.State == events.StateFailed:
		return p.failed
	case n.NeverRun():
		return p.queued
	default:
		return p.passed
	}
}

// Finish prints a one line verdict summary of the suite.
func (p *Printer) Finish(_ context.Context, suite *audit.SuiteAudit) error {
	counts := suite.Counts()

	line := fmt.Sprintf("%s: %d test(s), %d passed, %d failed, %d flaky",
		suite.Spec,
		len(suite.Tests),
		counts[audit.VerdictPassed],
		counts[audit.VerdictFailed],
		counts[audit.VerdictFlaky],
	)

	if !suite.FinishedAt.IsZero() {
		line += " in " + units.HumanDuration(suite.FinishedAt.Sub(suite.StartedAt))
	}

	if len(suite.Excluded) > 0 {
		line += fmt.Sprintf(" (%d run(s) excluded)", len(suite.Excluded))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := fmt.Fprintln(p.w, p.header.Render(ruler)+"\n"+line)

	return err
}
