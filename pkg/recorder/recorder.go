package recorder

import (
	"errors"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/sirupsen/logrus"
)

// Cursor is the recorder's view of what the runner is doing right now. The
// runner executes one command at a time within a run, so a single slot for
// the active run and command is enough.
type Cursor struct {
	RunKey    RunKey
	Active    bool
	CommandID string
}

// Recorder turns runner lifecycle events into run buffer state. A Recorder
// follows one strictly serialized event stream and is not safe for
// concurrent use; the buffer store it writes to is.
type Recorder struct {
	log            logrus.FieldLogger
	buffers        *Buffers
	cursor         Cursor
	executionOrder int
}

// New creates a recorder writing into buffers.
func New(log logrus.FieldLogger, buffers *Buffers) *Recorder {
	return &Recorder{
		log:     log.WithField("component", "recorder"),
		buffers: buffers,
	}
}

// Cursor returns the current cursor.
func (r *Recorder) Cursor() Cursor {
	return r.cursor
}

// Buffers returns the buffer store the recorder writes to.
func (r *Recorder) Buffers() *Buffers {
	return r.buffers
}

// OnTestBeforeRun opens a fresh buffer for the attempt and points the
// cursor at it.
func (r *Recorder) OnTestBeforeRun(test *events.Test, at events.Stamp) RunKey {
	b := r.buffers.Begin(test, at)

	r.cursor = Cursor{RunKey: b.Key, Active: true}
	r.executionOrder = 1

	r.log.WithFields(logrus.Fields{
		"run_key": b.Key.String(),
		"title":   test.Title,
	}).Debug("Run started")

	return b.Key
}

// OnCommandEnqueued appends the command to the active run.
func (r *Recorder) OnCommandEnqueued(
	cmd *events.Snapshot,
	runnable *events.Runnable,
	at events.Stamp,
) error {
	b, err := r.activeBuffer(events.TypeCommandEnqueued, cmd.ID)
	if err != nil {
		return err
	}

	c := b.enqueue(cmd, runnable.RunnableType(), at)

	r.log.WithFields(logrus.Fields{
		"run_key":    b.Key.String(),
		"command_id": c.CommandID,
		"name":       c.Command.Name,
		"order":      c.QueueInsertionOrder,
	}).Trace("Command enqueued")

	return nil
}

// OnCommandStart creates the execution record of the command and makes it
// the current command. Assertions are evaluated with their query and are
// ignored here.
func (r *Recorder) OnCommandStart(cmd *events.Snapshot, at events.Stamp) error {
	b, err := r.activeBuffer(events.TypeCommandStart, cmd.ID)
	if err != nil {
		return err
	}

	c, ok := b.Lookup(cmd.ID)
	if !ok {
		return r.violation(b, events.TypeCommandStart, cmd.ID, ErrCommandNotEnqueued)
	}

	c.Command = c.Command.Merge(cmd)

	if c.Command.IsAssertion() {
		return nil
	}

	b.executed[cmd.ID] = &ExecutionRecord{
		CommandID:      cmd.ID,
		StartWall:      at.Wall,
		StartMono:      b.offset(at),
		ExecutionOrder: r.executionOrder,
	}

	r.executionOrder++
	r.cursor.CommandID = cmd.ID

	return nil
}

// OnCommandEnd stamps the end time of the command and clears the current
// command.
func (r *Recorder) OnCommandEnd(cmd *events.Snapshot, at events.Stamp) error {
	b, err := r.activeBuffer(events.TypeCommandEnd, cmd.ID)
	if err != nil {
		return err
	}

	c, ok := b.Lookup(cmd.ID)
	if !ok {
		return r.violation(b, events.TypeCommandEnd, cmd.ID, ErrCommandNotEnqueued)
	}

	c.Command = c.Command.Merge(cmd)

	if c.Command.IsAssertion() {
		return nil
	}

	rec, ok := b.executed[cmd.ID]
	if !ok {
		return r.violation(b, events.TypeCommandEnd, cmd.ID, ErrCommandNotStarted)
	}

	wall, mono := at.Wall, b.offset(at)
	rec.EndWall = &wall
	rec.EndMono = &mono

	if r.cursor.CommandID == cmd.ID {
		r.cursor.CommandID = ""
	}

	return nil
}

// OnCommandRetry counts a retry of the current command.
func (r *Recorder) OnCommandRetry(_ *events.RetryOptions, at events.Stamp) error {
	b, err := r.activeBuffer(events.TypeCommandRetry, r.cursor.CommandID)
	if err != nil {
		return err
	}

	if r.cursor.CommandID == "" {
		return r.violation(b, events.TypeCommandRetry, "", ErrNoCurrentCommand)
	}

	rec, ok := b.executed[r.cursor.CommandID]
	if !ok {
		return r.violation(b, events.TypeCommandRetry, r.cursor.CommandID, ErrCommandNotStarted)
	}

	wall, mono := at.Wall, b.offset(at)
	rec.RetryWall = &wall
	rec.RetryMono = &mono
	rec.InternalRetries++

	return nil
}

// OnTestAfterRun folds the final command objects into the attempt's buffer,
// drains it from the store and resets the cursor. The returned buffer is
// owned by the caller.
func (r *Recorder) OnTestAfterRun(
	test *events.Test,
	final []*events.Snapshot,
	at events.Stamp,
) (*RunBuffer, error) {
	key := KeyOf(test)

	if r.cursor.Active && r.cursor.RunKey == key {
		r.cursor = Cursor{}
	}

	b, err := r.buffers.Take(key)
	if err != nil {
		return nil, &ContractError{Event: events.TypeTestAfterRun, RunKey: key, Err: err}
	}

	b.Test = *test

	wall, mono := at.Wall, b.offset(at)
	b.RunEndWall = &wall
	b.RunEndMono = &mono

	for _, snap := range final {
		if snap == nil {
			continue
		}

		if c, ok := b.Lookup(snap.ID); ok {
			c.Command = c.Command.Merge(snap)
		}
	}

	r.log.WithFields(logrus.Fields{
		"run_key":  key.String(),
		"enqueued": b.Len(),
		"executed": b.ExecutedCount(),
		"broken":   b.Broken != nil,
	}).Debug("Run drained")

	return b, nil
}

func (r *Recorder) activeBuffer(event events.Type, commandID string) (*RunBuffer, error) {
	if !r.cursor.Active {
		return nil, &ContractError{Event: event, CommandID: commandID, Err: ErrBufferNotFound}
	}

	b, err := r.buffers.Get(r.cursor.RunKey)
	if err != nil {
		return nil, &ContractError{
			Event:     event,
			RunKey:    r.cursor.RunKey,
			CommandID: commandID,
			Err:       errors.Unwrap(err),
		}
	}

	return b, nil
}

func (r *Recorder) violation(b *RunBuffer, event events.Type, commandID string, cause error) error {
	err := &ContractError{Event: event, RunKey: b.Key, CommandID: commandID, Err: cause}
	b.markBroken(err)

	r.log.WithError(err).WithFields(logrus.Fields{
		"run_key":    b.Key.String(),
		"command_id": commandID,
	}).Error("Event contract violated")

	return err
}
