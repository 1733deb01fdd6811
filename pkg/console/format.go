package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
)

// MaxArgLength is the longest rendering of a single command argument.
const MaxArgLength = 40

const ruler = "------------------------------------------------------------------------------------------------------------------------------"

// trimString shortens s to max runes, keeping its last rune after an
// ellipsis.
func trimString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max || max < 5 {
		return s
	}

	return string(r[:max-4]) + "..." + string(r[len(r)-1])
}

// formatArgs renders command arguments as "(`a`, {"b":1}, 3)".
func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))

	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			parts = append(parts, "`"+trimString(v, MaxArgLength)+"`")
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				parts = append(parts, fmt.Sprintf("%v", v))

				continue
			}

			parts = append(parts, trimString(string(data), MaxArgLength))
		case nil:
			parts = append(parts, "null")
		default:
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

func stateIcon(state events.State, slow bool) string {
	switch state {
	case events.StatePassed:
		if slow {
			return "✔️⏳"
		}

		return "✔️"
	case events.StateFailed:
		return "❌"
	default:
		return "⛔"
	}
}

func stateDescription(state events.State, slow bool) string {
	upper := strings.ToUpper(string(state))

	switch {
	case state == events.StateQueued:
		return upper + " (*never run*)"
	case state == events.StatePassed && slow:
		return upper + " (*slow*)"
	default:
		return upper
	}
}

func commandType(n *graph.Node) string {
	switch n.Kind {
	case events.KindQuery:
		return "Query"
	case events.KindAssertion:
		return "Assertion"
	default:
		return fmt.Sprintf("Command (%s)", n.Type)
	}
}

func commandName(n *graph.Node) string {
	return strings.ToUpper(n.Name) + " " + formatArgs(n.Args)
}

func commandState(n *graph.Node, threshold time.Duration) string {
	slow := n.Slow(threshold)

	return stateIcon(n.State, slow) + " " + stateDescription(n.State, slow)
}

func enqueuedTime(n *graph.Node) string {
	return n.EnqueuedTime.UTC().Format("2006-01-02T15:04:05.000Z")
}

func runTime(n *graph.Node) string {
	if n.Duration == nil || *n.Duration <= 0 {
		return ""
	}

	return fmt.Sprintf("%d ms", n.Duration.Milliseconds())
}

// testHeader renders the banner printed before an attempt's commands.
func testHeader(test *events.Test, threshold time.Duration) string {
	duration := time.Duration(test.Duration * float64(time.Millisecond))
	slow := threshold > 0 && duration > threshold

	var retry string
	if test.Retries > 0 {
		retry = fmt.Sprintf(" | (#Current retry: %d)", test.CurrentRetry)
	}

	var file string
	if test.File != "" {
		file = fmt.Sprintf(" - (File: %q)", test.File)
	}

	return fmt.Sprintf("%s\n%s %s | TEST TITLE: %q%s | DURATION: %d ms | STATUS: %s%s\n%s",
		ruler,
		stateIcon(test.State, slow),
		stateDescription(test.State, slow),
		test.Title,
		retry,
		duration.Milliseconds(),
		strings.ToUpper(string(test.State)),
		file,
		ruler,
	)
}
