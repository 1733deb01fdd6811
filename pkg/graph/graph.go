// Package graph reconstructs the execution history of one test attempt
// from its run buffer.
package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
)

// Node is one command in a reconstructed run.
type Node struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Args         []any               `json:"args,omitempty"`
	Kind         events.Kind         `json:"kind"`
	Type         events.CommandType  `json:"type,omitempty"`
	RunnableType events.RunnableType `json:"runnable_type"`
	State        events.State        `json:"state"`

	EnqueuedTime   time.Time     `json:"enqueued_time"`
	EnqueuedOffset time.Duration `json:"enqueued_offset_ns"`

	StartTime   *time.Time     `json:"start_time,omitempty"`
	StartOffset *time.Duration `json:"start_offset_ns,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	EndOffset   *time.Duration `json:"end_offset_ns,omitempty"`

	// Duration is measured on the wall clock, PreciseDuration on the
	// runner's monotonic clock.
	Duration        *time.Duration `json:"duration_ns,omitempty"`
	PreciseDuration *time.Duration `json:"precise_duration_ns,omitempty"`

	InternalRetries     int  `json:"internal_retries"`
	QueueInsertionOrder int  `json:"queue_insertion_order"`
	ExecutionOrder      *int `json:"execution_order,omitempty"`

	NextCommandID       string `json:"next_command_id,omitempty"`
	PrevCommandID       string `json:"prev_command_id,omitempty"`
	NextQueuedCommandID string `json:"next_queued_command_id,omitempty"`
	PrevQueuedCommandID string `json:"prev_queued_command_id,omitempty"`

	NestingLevel int `json:"nesting_level"`
}

// NeverRun reports whether the command was declared but never reached.
func (n *Node) NeverRun() bool {
	return n.State == events.StateQueued
}

// Slow reports whether the command ran longer than threshold.
func (n *Node) Slow(threshold time.Duration) bool {
	return n.Duration != nil && threshold > 0 && *n.Duration > threshold
}

// ResultsGraph maps command ids to nodes and remembers the order in which
// nodes were added: actual execution order first, never reached commands
// after that.
type ResultsGraph struct {
	order []string
	nodes map[string]*Node
}

// NewResultsGraph creates an empty graph.
func NewResultsGraph(capacity int) *ResultsGraph {
	return &ResultsGraph{
		order: make([]string, 0, capacity),
		nodes: make(map[string]*Node, capacity),
	}
}

// Len returns the number of nodes.
func (g *ResultsGraph) Len() int {
	return len(g.order)
}

// Get returns the node with the given command id.
func (g *ResultsGraph) Get(id string) (*Node, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// Has reports whether the graph contains id.
func (g *ResultsGraph) Has(id string) bool {
	_, ok := g.nodes[id]

	return ok
}

// Nodes returns the nodes in graph order.
func (g *ResultsGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}

	return out
}

// Add appends a node. Adding an id twice is an error.
func (g *ResultsGraph) Add(n *Node) error {
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node %q", n.ID)
	}

	g.order = append(g.order, n.ID)
	g.nodes[n.ID] = n

	return nil
}

// Failed returns the failed nodes in graph order.
func (g *ResultsGraph) Failed() []*Node {
	return g.filter(func(n *Node) bool { return n.State == events.StateFailed })
}

// NeverRun returns the nodes that never ran.
func (g *ResultsGraph) NeverRun() []*Node {
	return g.filter((*Node).NeverRun)
}

// Slow returns the nodes that ran longer than threshold.
func (g *ResultsGraph) Slow(threshold time.Duration) []*Node {
	return g.filter(func(n *Node) bool { return n.Slow(threshold) })
}

func (g *ResultsGraph) filter(keep func(*Node) bool) []*Node {
	var out []*Node

	for _, id := range g.order {
		if n := g.nodes[id]; keep(n) {
			out = append(out, n)
		}
	}

	return out
}

// MarshalJSON encodes the graph as an ordered array of nodes.
func (g *ResultsGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Nodes())
}

// UnmarshalJSON decodes a graph encoded by MarshalJSON.
func (g *ResultsGraph) UnmarshalJSON(data []byte) error {
	var nodes []*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}

	*g = *NewResultsGraph(len(nodes))

	for _, n := range nodes {
		if err := g.Add(n); err != nil {
			return err
		}
	}

	return nil
}
