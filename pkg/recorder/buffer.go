package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
)

// RunKey identifies one attempt of one test.
type RunKey struct {
	TestID string
	Retry  int
}

// KeyOf returns the run key of a test attempt.
func KeyOf(t *events.Test) RunKey {
	return RunKey{TestID: t.ID, Retry: t.CurrentRetry}
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s-%d", k.TestID, k.Retry)
}

// EnqueuedCommand is a command as declared in test code.
type EnqueuedCommand struct {
	CommandID string

	// Command is the latest known view of the runner's command object.
	Command events.Snapshot

	// QueueInsertionOrder is zero-based and unique within a run.
	QueueInsertionOrder int

	EnqueuedWall time.Time
	// EnqueuedMono is relative to the run start.
	EnqueuedMono time.Duration

	RunnableType events.RunnableType
}

// ExecutionRecord is the actual run of a command. Monotonic readings are
// relative to the run start.
type ExecutionRecord struct {
	CommandID string

	StartWall time.Time
	StartMono time.Duration

	EndWall *time.Time
	EndMono *time.Duration

	// RetryWall/RetryMono hold the last retry. A command that ultimately
	// failed has no end but a retry time.
	RetryWall *time.Time
	RetryMono *time.Duration

	InternalRetries int
	ExecutionOrder  int
}

// RunBuffer holds everything recorded for one run.
type RunBuffer struct {
	Key  RunKey
	Test events.Test

	RunStartWall time.Time
	// RunStartMono is the raw monotonic reading at run start.
	RunStartMono time.Duration

	// RunEndWall/RunEndMono are set when the run is drained. RunEndMono is
	// relative to the run start.
	RunEndWall *time.Time
	RunEndMono *time.Duration

	// Broken holds the first contract violation seen for this run.
	Broken error

	enqueued []*EnqueuedCommand
	byID     map[string]*EnqueuedCommand
	executed map[string]*ExecutionRecord
}

func newRunBuffer(test *events.Test, at events.Stamp) *RunBuffer {
	return &RunBuffer{
		Key:          KeyOf(test),
		Test:         *test,
		RunStartWall: at.Wall,
		RunStartMono: at.Mono,
		enqueued:     make([]*EnqueuedCommand, 0, 32),
		byID:         make(map[string]*EnqueuedCommand, 32),
		executed:     make(map[string]*ExecutionRecord, 32),
	}
}

// Len returns the number of enqueued commands.
func (b *RunBuffer) Len() int {
	return len(b.enqueued)
}

// Enqueued returns the enqueued commands in insertion order.
func (b *RunBuffer) Enqueued() []*EnqueuedCommand {
	return b.enqueued
}

// First returns the first enqueued command, or nil for an empty run.
func (b *RunBuffer) First() *EnqueuedCommand {
	if len(b.enqueued) == 0 {
		return nil
	}

	return b.enqueued[0]
}

// Lookup returns the enqueued command with the given id.
func (b *RunBuffer) Lookup(id string) (*EnqueuedCommand, bool) {
	c, ok := b.byID[id]

	return c, ok
}

// Execution returns the execution record of a command, if it ever started.
func (b *RunBuffer) Execution(id string) (*ExecutionRecord, bool) {
	r, ok := b.executed[id]

	return r, ok
}

// ExecutedCount returns the number of commands that started.
func (b *RunBuffer) ExecutedCount() int {
	return len(b.executed)
}

// offset converts a raw monotonic reading to an offset from run start.
func (b *RunBuffer) offset(at events.Stamp) time.Duration {
	return at.Mono - b.RunStartMono
}

func (b *RunBuffer) enqueue(snap *events.Snapshot, runnable events.RunnableType, at events.Stamp) *EnqueuedCommand {
	if existing, ok := b.byID[snap.ID]; ok {
		existing.Command = existing.Command.Merge(snap)

		return existing
	}

	c := &EnqueuedCommand{
		CommandID:           snap.ID,
		Command:             *snap,
		QueueInsertionOrder: len(b.enqueued),
		EnqueuedWall:        at.Wall,
		EnqueuedMono:        b.offset(at),
		RunnableType:        runnable,
	}

	b.enqueued = append(b.enqueued, c)
	b.byID[snap.ID] = c

	return c
}

func (b *RunBuffer) markBroken(err error) {
	if b.Broken == nil {
		b.Broken = err
	}
}

// Buffers is the process-wide store of run buffers. Entries are created at
// test:before:run and released when the run is drained.
type Buffers struct {
	mu   sync.Mutex
	runs map[RunKey]*RunBuffer
}

// NewBuffers creates an empty buffer store.
func NewBuffers() *Buffers {
	return &Buffers{runs: make(map[RunKey]*RunBuffer, 16)}
}

// Begin creates (or replaces) the buffer for the attempt of test.
func (s *Buffers) Begin(test *events.Test, at events.Stamp) *RunBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := newRunBuffer(test, at)
	s.runs[b.Key] = b

	return b
}

// Get returns the buffer for key.
func (s *Buffers) Get(key RunKey) (*RunBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.runs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, key)
	}

	return b, nil
}

// Take removes and returns the buffer for key.
func (s *Buffers) Take(key RunKey) (*RunBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.runs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, key)
	}

	delete(s.runs, key)

	return b, nil
}

// Len returns the number of buffers currently held.
func (s *Buffers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.runs)
}

// Keys returns the keys of all held buffers.
func (s *Buffers) Keys() []RunKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]RunKey, 0, len(s.runs))
	for k := range s.runs {
		keys = append(keys, k)
	}

	return keys
}
