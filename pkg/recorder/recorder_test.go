package recorder_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/recorder"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(offset time.Duration) events.Stamp {
	return events.Stamp{Wall: t0.Add(offset), Mono: offset}
}

func newRecorder() *recorder.Recorder {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return recorder.New(log, recorder.NewBuffers())
}

func cmd(id, name string, typ events.CommandType) *events.Snapshot {
	return &events.Snapshot{ID: id, Name: name, Type: typ}
}

func TestQueueInsertionOrderIsMonotonic(t *testing.T) {
	r := newRecorder()
	key := r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))

	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for i, id := range ids {
		require.NoError(t, r.OnCommandEnqueued(cmd(id, "get", events.CommandTypeParent), nil, at(time.Duration(i)*time.Millisecond)))
	}

	// Re-enqueueing a known id updates it in place.
	require.NoError(t, r.OnCommandEnqueued(cmd("c2", "find", ""), nil, at(10*time.Millisecond)))

	buf, err := r.Buffers().Get(key)
	require.NoError(t, err)
	require.Equal(t, len(ids), buf.Len())

	seen := make(map[int]struct{}, len(ids))

	for i, c := range buf.Enqueued() {
		assert.Equal(t, ids[i], c.CommandID)
		assert.Equal(t, i, c.QueueInsertionOrder)

		_, dup := seen[c.QueueInsertionOrder]
		assert.False(t, dup)
		seen[c.QueueInsertionOrder] = struct{}{}
	}

	c2, ok := buf.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, "find", c2.Command.Name)
	assert.Equal(t, events.CommandTypeParent, c2.Command.Type)
}

func TestEnqueueRecordsRunnableAndOffsets(t *testing.T) {
	r := newRecorder()
	key := r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(time.Second))

	hook := &events.Runnable{Type: "hook", HookName: `"before each" hook`}
	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "visit", events.CommandTypeParent), hook, at(1500*time.Millisecond)))

	buf, err := r.Buffers().Get(key)
	require.NoError(t, err)

	c := buf.First()
	require.NotNil(t, c)
	assert.Equal(t, events.RunnableBeforeEach, c.RunnableType)
	assert.Equal(t, 500*time.Millisecond, c.EnqueuedMono)
	assert.Equal(t, t0.Add(1500*time.Millisecond), c.EnqueuedWall)
}

func TestExecutionOrderAndCursor(t *testing.T) {
	r := newRecorder()
	key := r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))

	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "visit", events.CommandTypeParent), nil, at(0)))
	require.NoError(t, r.OnCommandEnqueued(cmd("c2", "should", events.CommandTypeAssertion), nil, at(0)))
	require.NoError(t, r.OnCommandEnqueued(cmd("c3", "click", events.CommandTypeChild), nil, at(0)))

	require.NoError(t, r.OnCommandStart(cmd("c1", "", ""), at(time.Millisecond)))
	assert.Equal(t, "c1", r.Cursor().CommandID)
	require.NoError(t, r.OnCommandEnd(cmd("c1", "", ""), at(2*time.Millisecond)))
	assert.Empty(t, r.Cursor().CommandID)

	// Assertions never get an execution record.
	require.NoError(t, r.OnCommandStart(cmd("c2", "", ""), at(3*time.Millisecond)))
	require.NoError(t, r.OnCommandEnd(cmd("c2", "", ""), at(3*time.Millisecond)))

	require.NoError(t, r.OnCommandStart(cmd("c3", "", ""), at(4*time.Millisecond)))

	buf, err := r.Buffers().Get(key)
	require.NoError(t, err)
	assert.Equal(t, 2, buf.ExecutedCount())

	_, ok := buf.Execution("c2")
	assert.False(t, ok)

	rec1, ok := buf.Execution("c1")
	require.True(t, ok)
	assert.Equal(t, 1, rec1.ExecutionOrder)
	require.NotNil(t, rec1.EndMono)
	assert.Equal(t, 2*time.Millisecond, *rec1.EndMono)

	rec3, ok := buf.Execution("c3")
	require.True(t, ok)
	assert.Equal(t, 2, rec3.ExecutionOrder)
	assert.Nil(t, rec3.EndWall)
}

func TestRetriesBeforeEnd(t *testing.T) {
	r := newRecorder()
	key := r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))

	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "get", events.CommandTypeParent), nil, at(0)))
	require.NoError(t, r.OnCommandStart(cmd("c1", "", ""), at(10*time.Millisecond)))
	require.NoError(t, r.OnCommandRetry(&events.RetryOptions{}, at(20*time.Millisecond)))
	require.NoError(t, r.OnCommandRetry(&events.RetryOptions{}, at(30*time.Millisecond)))
	require.NoError(t, r.OnCommandEnd(cmd("c1", "", ""), at(50*time.Millisecond)))

	buf, err := r.Buffers().Get(key)
	require.NoError(t, err)

	rec, ok := buf.Execution("c1")
	require.True(t, ok)
	assert.Equal(t, 2, rec.InternalRetries)
	require.NotNil(t, rec.RetryMono)
	assert.Equal(t, 30*time.Millisecond, *rec.RetryMono)
	require.NotNil(t, rec.EndMono)
	assert.Equal(t, 50*time.Millisecond, *rec.EndMono)
}

func TestContractViolations(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *recorder.Recorder) error
		want    error
		broken  bool
	}{
		{
			name: "command before any run",
			prepare: func(r *recorder.Recorder) error {
				return r.OnCommandEnqueued(cmd("c1", "get", ""), nil, at(0))
			},
			want: recorder.ErrBufferNotFound,
		},
		{
			name: "start of unknown command",
			prepare: func(r *recorder.Recorder) error {
				r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))

				return r.OnCommandStart(cmd("nope", "", ""), at(0))
			},
			want:   recorder.ErrCommandNotEnqueued,
			broken: true,
		},
		{
			name: "end without start",
			prepare: func(r *recorder.Recorder) error {
				r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))
				_ = r.OnCommandEnqueued(cmd("c1", "get", events.CommandTypeParent), nil, at(0))

				return r.OnCommandEnd(cmd("c1", "", ""), at(0))
			},
			want:   recorder.ErrCommandNotStarted,
			broken: true,
		},
		{
			name: "retry while idle",
			prepare: func(r *recorder.Recorder) error {
				r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))

				return r.OnCommandRetry(&events.RetryOptions{}, at(0))
			},
			want:   recorder.ErrNoCurrentCommand,
			broken: true,
		},
		{
			name: "after run without before run",
			prepare: func(r *recorder.Recorder) error {
				_, err := r.OnTestAfterRun(&events.Test{ID: "ghost"}, nil, at(0))

				return err
			},
			want: recorder.ErrBufferNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorder()

			err := tt.prepare(r)
			require.ErrorIs(t, err, tt.want)

			var cerr *recorder.ContractError
			require.True(t, errors.As(err, &cerr))

			if !tt.broken {
				return
			}

			buf, err := r.Buffers().Get(recorder.RunKey{TestID: "r1"})
			require.NoError(t, err)
			assert.ErrorIs(t, buf.Broken, tt.want)
		})
	}
}

func TestViolationOnlyPoisonsItsRun(t *testing.T) {
	r := newRecorder()

	r.OnTestBeforeRun(&events.Test{ID: "r1"}, at(0))
	require.Error(t, r.OnCommandStart(cmd("nope", "", ""), at(0)))

	broken, err := r.OnTestAfterRun(&events.Test{ID: "r1"}, nil, at(time.Millisecond))
	require.NoError(t, err)
	require.Error(t, broken.Broken)

	r.OnTestBeforeRun(&events.Test{ID: "r2"}, at(2*time.Millisecond))
	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "get", events.CommandTypeParent), nil, at(2*time.Millisecond)))
	require.NoError(t, r.OnCommandStart(cmd("c1", "", ""), at(3*time.Millisecond)))

	clean, err := r.OnTestAfterRun(&events.Test{ID: "r2"}, nil, at(4*time.Millisecond))
	require.NoError(t, err)
	assert.NoError(t, clean.Broken)
	assert.Equal(t, 1, clean.ExecutedCount())
}

func TestAfterRunDrainsBufferAndFoldsFinalState(t *testing.T) {
	r := newRecorder()
	test := &events.Test{ID: "r1", Title: "works"}

	r.OnTestBeforeRun(test, at(0))
	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "get", events.CommandTypeParent), nil, at(0)))
	require.NoError(t, r.OnCommandStart(cmd("c1", "", ""), at(time.Millisecond)))

	final := &events.Test{ID: "r1", Title: "works", State: events.StateFailed, Duration: 12}
	buf, err := r.OnTestAfterRun(final, []*events.Snapshot{
		{ID: "c1", State: events.StateFailed},
		{ID: "unknown", State: events.StatePassed},
		nil,
	}, at(5*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, events.StateFailed, buf.Test.State)
	require.NotNil(t, buf.RunEndMono)
	assert.Equal(t, 5*time.Millisecond, *buf.RunEndMono)

	c1, ok := buf.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, events.StateFailed, c1.Command.State)
	assert.Equal(t, "get", c1.Command.Name)

	assert.Equal(t, 0, r.Buffers().Len())
	assert.False(t, r.Cursor().Active)

	_, err = r.OnTestAfterRun(final, nil, at(6*time.Millisecond))
	require.ErrorIs(t, err, recorder.ErrBufferNotFound)
}

func TestRetriedTestGetsIndependentBuffers(t *testing.T) {
	r := newRecorder()

	first := r.OnTestBeforeRun(&events.Test{ID: "r1", CurrentRetry: 0, Retries: 1}, at(0))
	require.NoError(t, r.OnCommandEnqueued(cmd("c1", "get", events.CommandTypeParent), nil, at(0)))
	require.NoError(t, r.OnCommandEnqueued(cmd("c2", "click", events.CommandTypeChild), nil, at(0)))
	require.NoError(t, r.OnCommandStart(cmd("c1", "", ""), at(time.Millisecond)))

	b1, err := r.OnTestAfterRun(&events.Test{ID: "r1", CurrentRetry: 0, State: events.StateFailed}, nil, at(2*time.Millisecond))
	require.NoError(t, err)

	second := r.OnTestBeforeRun(&events.Test{ID: "r1", CurrentRetry: 1, Retries: 1}, at(3*time.Millisecond))
	assert.NotEqual(t, first, second)
	assert.Equal(t, "r1-1", second.String())

	require.NoError(t, r.OnCommandEnqueued(cmd("c3", "get", events.CommandTypeParent), nil, at(3*time.Millisecond)))
	require.NoError(t, r.OnCommandStart(cmd("c3", "", ""), at(4*time.Millisecond)))

	b2, err := r.Buffers().Take(second)
	require.NoError(t, err)

	assert.Equal(t, 2, b1.Len())
	assert.Equal(t, 1, b2.Len())
	assert.Equal(t, 0, b2.First().QueueInsertionOrder)

	// Execution order restarts with every run.
	rec, ok := b2.Execution("c3")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ExecutionOrder)
}
