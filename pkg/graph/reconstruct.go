package graph

import (
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/recorder"
)

// DefaultResultTasks are the reporter tasks issued to print audit results.
// They are left out of the graph so the audit does not report itself.
var DefaultResultTasks = []string{
	"displayTestDataInTerminal",
	"displayListInTerminal",
	"displayTableInTerminal",
	"displayStringTerminal",
	"displayTableTerminal",
}

// Options tunes reconstruction.
type Options struct {
	// Now is used as the end of observed history for runs that were not
	// drained through test:after:run. Defaults to time.Now.
	Now func() time.Time

	// ResultTasks lists task names to exclude. Nil means DefaultResultTasks.
	ResultTasks []string
}

// Build reconstructs the graph of a run and resolves nesting levels.
func Build(buf *recorder.RunBuffer, opts Options) *ResultsGraph {
	g := Reconstruct(buf, opts)
	ResolveDepth(g)

	return g
}

type pendingAssertion struct {
	id    string
	owner *Node
}

type reconstructor struct {
	buf   *recorder.RunBuffer
	graph *ResultsGraph
	tasks map[string]struct{}

	endWall time.Time
	endMono time.Duration

	// live holds post-execution views picked up from next links.
	live       map[string]events.Snapshot
	nextQueued map[string]string
	byOrder    map[int]*recorder.EnqueuedCommand
	skipped    map[string]struct{}

	// Walk state. pending is the chained assertion a failed query handed
	// its failure to; it stays armed until that assertion is reached.
	pending      *pendingAssertion
	owner        *Node
	prev         *Node
	failedChain  bool
	failedOwners map[string]struct{}
	lastOrder    int
}

// Reconstruct walks the buffer along the actual execution chain starting at
// the first enqueued command, then appends every command the walk did not
// reach. A missing successor ends the walk without error.
func Reconstruct(buf *recorder.RunBuffer, opts Options) *ResultsGraph {
	r := newReconstructor(buf, opts)

	r.walk()
	r.sweep()

	return r.graph
}

func newReconstructor(buf *recorder.RunBuffer, opts Options) *reconstructor {
	tasks := opts.ResultTasks
	if tasks == nil {
		tasks = DefaultResultTasks
	}

	r := &reconstructor{
		buf:          buf,
		graph:        NewResultsGraph(buf.Len()),
		tasks:        make(map[string]struct{}, len(tasks)),
		live:         make(map[string]events.Snapshot, 8),
		nextQueued:   make(map[string]string, buf.Len()),
		byOrder:      make(map[int]*recorder.EnqueuedCommand, buf.Len()),
		skipped:      make(map[string]struct{}, 2),
		failedOwners: make(map[string]struct{}, 2),
	}

	for _, t := range tasks {
		r.tasks[t] = struct{}{}
	}

	if buf.RunEndWall != nil && buf.RunEndMono != nil {
		r.endWall, r.endMono = *buf.RunEndWall, *buf.RunEndMono
	} else {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}

		// Stamps advance both clocks equally, so elapsed wall time is the
		// monotonic offset.
		r.endWall = now()
		r.endMono = r.endWall.Sub(buf.RunStartWall)
	}

	var prevID string

	for _, c := range buf.Enqueued() {
		if rec, ok := buf.Execution(c.CommandID); ok {
			r.byOrder[rec.ExecutionOrder] = c
		}

		if r.excluded(&c.Command) {
			continue
		}

		if prevID != "" {
			r.nextQueued[prevID] = c.CommandID
		}

		prevID = c.CommandID
	}

	return r
}

// excluded reports whether the command is one of the audit's own
// reporting tasks.
func (r *reconstructor) excluded(s *events.Snapshot) bool {
	if s.Name != "task" || len(s.Args) == 0 {
		return false
	}

	name, ok := s.Args[0].(string)
	if !ok {
		return false
	}

	_, skip := r.tasks[name]

	return skip
}

func (r *reconstructor) snapshot(c *recorder.EnqueuedCommand) events.Snapshot {
	if s, ok := r.live[c.CommandID]; ok {
		return s
	}

	return c.Command
}

func (r *reconstructor) walk() {
	seen := make(map[string]struct{}, r.buf.Len())

	for cur := r.buf.First(); cur != nil; {
		if _, ok := seen[cur.CommandID]; ok {
			break
		}

		seen[cur.CommandID] = struct{}{}

		snap := r.snapshot(cur)

		if r.excluded(&snap) {
			r.skipped[cur.CommandID] = struct{}{}
		} else {
			n := r.newNode(cur, &snap)

			if snap.IsAssertion() {
				r.resolveChainedAssertion(n, &snap)
			} else {
				r.failedChain = false
				r.resolveCommand(n, &snap)
				r.owner = n
			}

			if r.prev != nil {
				r.prev.NextCommandID = n.ID
				n.PrevCommandID = r.prev.ID
			}

			_ = r.graph.Add(n)
			r.prev = n
		}

		if rec, ok := r.buf.Execution(cur.CommandID); ok {
			r.lastOrder = rec.ExecutionOrder
		}

		cur = r.successor(&snap)
	}
}

// successor resolves the command the runner executed after s. The runner's
// next link wins; without one the next execution record is used.
func (r *reconstructor) successor(s *events.Snapshot) *recorder.EnqueuedCommand {
	if s.Next != nil && s.Next.ID != "" {
		next, ok := r.buf.Lookup(s.Next.ID)
		if !ok {
			return nil
		}

		r.live[next.CommandID] = r.snapshot(next).Merge(s.Next)

		return next
	}

	if r.lastOrder == 0 {
		return nil
	}

	return r.byOrder[r.lastOrder+1]
}

func (r *reconstructor) sweep() {
	for _, c := range r.buf.Enqueued() {
		if r.graph.Has(c.CommandID) {
			continue
		}

		if _, ok := r.skipped[c.CommandID]; ok {
			continue
		}

		snap := r.snapshot(c)
		if r.excluded(&snap) {
			continue
		}

		n := r.newNode(c, &snap)

		if snap.IsAssertion() {
			r.resolveDetachedAssertion(n, &snap)
		} else {
			r.resolveCommand(n, &snap)
		}

		_ = r.graph.Add(n)
	}
}

func (r *reconstructor) newNode(c *recorder.EnqueuedCommand, s *events.Snapshot) *Node {
	return &Node{
		ID:                  c.CommandID,
		Name:                s.Name,
		Args:                s.Args,
		Kind:                s.Kind(),
		Type:                s.Type,
		RunnableType:        c.RunnableType,
		State:               s.State,
		EnqueuedTime:        c.EnqueuedWall,
		EnqueuedOffset:      c.EnqueuedMono,
		QueueInsertionOrder: c.QueueInsertionOrder,
		NextQueuedCommandID: r.nextQueued[c.CommandID],
	}
}

// resolveCommand settles state and timing of a non-assertion command. A
// failed query hands its failure to its current assertion.
func (r *reconstructor) resolveCommand(n *Node, s *events.Snapshot) {
	rec, ok := r.buf.Execution(n.ID)
	if !ok {
		n.State = events.StateQueued

		return
	}

	r.applyTiming(n, rec)

	if n.State == "" || n.State == events.StateQueued {
		if rec.EndWall != nil {
			n.State = events.StatePassed
		} else {
			n.State = events.StatePending
		}
	}

	if s.Query && n.State == events.StateFailed &&
		s.CurrentAssertion != nil && s.CurrentAssertion.ID != "" {
		n.State = events.StatePassed
		r.pending = &pendingAssertion{id: s.CurrentAssertion.ID, owner: n}
	}
}

// resolveChainedAssertion settles an assertion reached through the
// execution chain. Assertions borrow the timing of the command they were
// evaluated with.
func (r *reconstructor) resolveChainedAssertion(n *Node, s *events.Snapshot) {
	switch {
	case r.pending != nil && r.pending.id == n.ID:
		r.fail(n, r.pending.owner)
		r.pending = nil
		r.failedChain = true
	case r.failedChain, r.owner == nil, r.owner.NeverRun():
		n.State = events.StateQueued
	default:
		state := s.State

		switch state {
		case "":
			state = r.owner.State
		case events.StateFailed:
			if r.pending != nil {
				// The chain's failure is attributed to the pending assertion.
				state = events.StatePassed
			}
		}

		if state == events.StateQueued {
			n.State = events.StateQueued

			return
		}

		n.State = state
		borrowTiming(n, r.owner)

		if state == events.StateFailed {
			r.failedChain = true
			r.failedOwners[r.owner.ID] = struct{}{}
		}
	}
}

// resolveDetachedAssertion settles an assertion the walk did not reach,
// using its declaration predecessor as owner.
func (r *reconstructor) resolveDetachedAssertion(n *Node, s *events.Snapshot) {
	if r.pending != nil && r.pending.id == n.ID {
		r.fail(n, r.pending.owner)
		r.pending = nil

		return
	}

	owner := r.queueOwner(n)

	switch {
	case owner == nil, owner.NeverRun():
		n.State = events.StateQueued
	case s.State == events.StatePassed:
		n.State = events.StatePassed
		borrowTiming(n, owner)
	case s.State == events.StateFailed:
		if _, done := r.failedOwners[owner.ID]; done || r.pending != nil {
			n.State = events.StateQueued

			return
		}

		r.fail(n, owner)
	case s.State == "":
		r.inheritOwnerState(n, owner)
	case s.State == events.StateQueued:
		n.State = events.StateQueued
	default:
		n.State = s.State
		borrowTiming(n, owner)
	}
}

// inheritOwnerState settles an assertion without its own state the way
// the walk does: it takes the owner's state and timing, unless the owner's
// chain already failed.
func (r *reconstructor) inheritOwnerState(n *Node, owner *Node) {
	if _, done := r.failedOwners[owner.ID]; done {
		n.State = events.StateQueued

		return
	}

	switch owner.State {
	case events.StateQueued:
		n.State = events.StateQueued
	case events.StateFailed:
		r.fail(n, owner)
	default:
		n.State = owner.State
		borrowTiming(n, owner)
	}
}

func (r *reconstructor) fail(n, owner *Node) {
	n.State = events.StateFailed

	if owner != nil {
		borrowTiming(n, owner)
		r.failedOwners[owner.ID] = struct{}{}
	}
}

// queueOwner returns the closest non-assertion declared before n.
func (r *reconstructor) queueOwner(n *Node) *Node {
	enqueued := r.buf.Enqueued()

	for i := n.QueueInsertionOrder - 1; i >= 0 && i < len(enqueued); i-- {
		c := enqueued[i]

		if s := r.snapshot(c); s.IsAssertion() {
			continue
		}

		if owner, ok := r.graph.Get(c.CommandID); ok {
			return owner
		}
	}

	return nil
}

// applyTiming copies the execution record onto n. A command that never
// ended is measured up to its last retry, or up to the end of the run.
func (r *reconstructor) applyTiming(n *Node, rec *recorder.ExecutionRecord) {
	start, startMono := rec.StartWall, rec.StartMono
	n.StartTime = &start
	n.StartOffset = &startMono

	end, endMono := r.endWall, r.endMono

	switch {
	case rec.EndWall != nil:
		wall := *rec.EndWall
		n.EndTime = &wall
		end = wall
	case rec.RetryWall != nil:
		end = *rec.RetryWall
	}

	switch {
	case rec.EndMono != nil:
		mono := *rec.EndMono
		n.EndOffset = &mono
		endMono = mono
	case rec.RetryMono != nil:
		endMono = *rec.RetryMono
	}

	d := max(end.Sub(start), 0)
	pd := max(endMono-startMono, 0)

	n.Duration = &d
	n.PreciseDuration = &pd
	n.InternalRetries = rec.InternalRetries

	order := rec.ExecutionOrder
	n.ExecutionOrder = &order
}

func borrowTiming(n, owner *Node) {
	n.StartTime = copyPtr(owner.StartTime)
	n.StartOffset = copyPtr(owner.StartOffset)
	n.EndTime = copyPtr(owner.EndTime)
	n.EndOffset = copyPtr(owner.EndOffset)
	n.Duration = copyPtr(owner.Duration)
	n.PreciseDuration = copyPtr(owner.PreciseDuration)
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}
