package graph

import "github.com/ethpandaops/flakeaudit/pkg/events"

// ResolveDepth back-fills the declaration-order predecessor of every node
// and assigns nesting levels.
//
// Nesting is inferred from queue insertion order alone and is a heuristic,
// not a call stack: a command whose declaration was skipped over by the
// static order is assumed to have been enqueued from inside its execution
// predecessor's callback. When in doubt a node inherits its predecessor's
// level.
func ResolveDepth(g *ResultsGraph) {
	linkQueuePredecessors(g)

	levels := make(map[string]int, g.Len())

	for _, n := range g.Nodes() {
		n.NestingLevel = nestingLevel(g, n, levels)
	}
}

type edge struct {
	from, to string
	queued   bool
}

// linkQueuePredecessors traverses the graph from every unvisited root,
// following declaration order first and execution order second, and wires
// prevQueuedCommandId along declaration edges.
func linkQueuePredecessors(g *ResultsGraph) {
	visited := make(map[string]struct{}, g.Len())

	for _, root := range g.Nodes() {
		if _, ok := visited[root.ID]; ok {
			continue
		}

		visited[root.ID] = struct{}{}
		stack := pushSuccessors(nil, root)

		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			n, ok := g.Get(e.to)
			if !ok {
				continue
			}

			if e.queued && n.PrevQueuedCommandID == "" {
				n.PrevQueuedCommandID = e.from
			}

			if _, ok := visited[n.ID]; ok {
				continue
			}

			visited[n.ID] = struct{}{}
			stack = pushSuccessors(stack, n)
		}
	}
}

// pushSuccessors pushes the execution edge below the declaration edge so
// the declaration edge is followed first.
func pushSuccessors(stack []edge, n *Node) []edge {
	if n.NextCommandID != "" {
		stack = append(stack, edge{from: n.ID, to: n.NextCommandID})
	}

	if n.NextQueuedCommandID != "" {
		stack = append(stack, edge{from: n.ID, to: n.NextQueuedCommandID, queued: true})
	}

	return stack
}

// nestingLevel computes the level of n relative to its execution
// predecessor. Every step moves to a node with a smaller queue insertion
// order, so the recursion terminates.
func nestingLevel(g *ResultsGraph, n *Node, memo map[string]int) int {
	if level, ok := memo[n.ID]; ok {
		return level
	}

	level := 0

	if prev, ok := g.Get(n.PrevCommandID); ok {
		delta := n.QueueInsertionOrder - prev.QueueInsertionOrder

		switch {
		case delta == 1:
			level = nestingLevel(g, prev, memo)
		case delta > 1:
			level = nestingLevel(g, prev, memo)
			if n.RunnableType == events.RunnableTest {
				level++
			}
		default:
			if qprev, ok := g.Get(n.PrevQueuedCommandID); ok &&
				qprev.QueueInsertionOrder < n.QueueInsertionOrder {
				level = nestingLevel(g, qprev, memo)
			}
		}
	}

	memo[n.ID] = level

	return level
}
