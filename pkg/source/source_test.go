package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

const sampleLog = `{"type":"test:before:run","payload":{"id":"r1","title":"works","currentRetry":0,"retries":2}}

{"type":"command:enqueued","payload":{"id":"c1","name":"visit","type":"parent"}}
not json at all
{"type":"bogus","payload":{}}
{"type":"command:start","payload":{"id":"c1","name":"visit"}}
`

func collect(t *testing.T, src Source) []events.Type {
	t.Helper()

	var got []events.Type

	err := src.Run(context.Background(), func(_ context.Context, env *events.Envelope) error {
		got = append(got, env.Type)

		return nil
	})
	require.NoError(t, err)

	return got
}

func TestReaderSourceSkipsBlankAndMalformed(t *testing.T) {
	got := collect(t, NewReaderSource(testLogger(), strings.NewReader(sampleLog)))

	assert.Equal(t, []events.Type{
		events.TypeTestBeforeRun,
		events.TypeCommandEnqueued,
		events.TypeCommandStart,
	}, got)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))

	got := collect(t, NewFileSource(testLogger(), path))
	assert.Len(t, got, 3)
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFileSource(testLogger(), filepath.Join(t.TempDir(), "missing.ndjson"))

	err := src.Run(context.Background(), func(context.Context, *events.Envelope) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening event log")
}

func TestReaderSourceHandlerErrorStops(t *testing.T) {
	boom := errors.New("boom")
	calls := 0

	err := NewReaderSource(testLogger(), strings.NewReader(sampleLog)).Run(
		context.Background(),
		func(context.Context, *events.Envelope) error {
			calls++

			return boom
		},
	)

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "line 1")
	assert.Equal(t, 1, calls)
}

func TestReaderSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewReaderSource(testLogger(), strings.NewReader(sampleLog)).Run(
		ctx,
		func(context.Context, *events.Envelope) error { return nil },
	)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseConsoleMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantOK  bool
		wantErr bool
	}{
		{
			name:   "prefixed event",
			raw:    `"flakeaudit:{\"type\":\"command:end\",\"payload\":{\"id\":\"c1\"}}"`,
			wantOK: true,
		},
		{
			name:   "prefixed event with space",
			raw:    `"flakeaudit: {\"type\":\"command:end\",\"payload\":{}}"`,
			wantOK: true,
		},
		{
			name: "unrelated log line",
			raw:  `"hello from the app"`,
		},
		{
			name: "object argument",
			raw:  `{"type":"command:end"}`,
		},
		{
			name:    "prefixed garbage",
			raw:     `"flakeaudit:{nope"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok, err := parseConsoleMessage([]byte(tt.raw), "flakeaudit:")
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)

			if tt.wantOK {
				assert.Equal(t, events.TypeCommandEnd, env.Type)
			}
		})
	}
}

func TestPickTarget(t *testing.T) {
	targets := []*target.Info{
		{TargetID: "own", Type: "page", URL: "about:blank"},
		{TargetID: "sw", Type: "service_worker", URL: "http://localhost:3000/sw.js"},
		{TargetID: "runner", Type: "page", URL: "http://localhost:3000/__/#/specs"},
		{TargetID: "other", Type: "page", URL: "https://example.com"},
	}

	got := pickTarget(targets, "localhost:3000", "own")
	require.NotNil(t, got)
	assert.Equal(t, target.ID("runner"), got.TargetID)

	got = pickTarget(targets, "", "own")
	require.NotNil(t, got)
	assert.Equal(t, target.ID("runner"), got.TargetID)

	assert.Nil(t, pickTarget(targets, "nowhere", "own"))
}

func TestMessageQueueKeepsBursts(t *testing.T) {
	const burst = 10000

	q := newMessageQueue()

	go func() {
		for i := range burst {
			q.push([]byte(strconv.Itoa(i)))
		}
	}()

	var got []string

	for len(got) < burst {
		<-q.ready()

		for _, msg := range q.drain() {
			got = append(got, string(msg))
		}
	}

	require.Len(t, got, burst)

	for i, msg := range got {
		require.Equal(t, strconv.Itoa(i), msg)
	}

	assert.Empty(t, q.drain())
}

func TestDevToolsDeliverHandsEnvelopesInOrder(t *testing.T) {
	s := NewDevToolsSource(testLogger(), "ws://127.0.0.1:9222", "flakeaudit:", "")
	q := newMessageQueue()

	for _, text := range []string{
		`flakeaudit:{"type":"command:enqueued","payload":{"id":"c1"}}`,
		`unrelated log line`,
		`flakeaudit:{not json`,
		`flakeaudit:{"type":"command:start","payload":{"id":"c1"}}`,
		`flakeaudit:{"type":"command:end","payload":{"id":"c1"}}`,
	} {
		raw, err := json.Marshal(text)
		require.NoError(t, err)
		q.push(raw)
	}

	var got []events.Type

	<-q.ready()

	for _, raw := range q.drain() {
		require.NoError(t, s.deliver(context.Background(), raw, func(_ context.Context, env *events.Envelope) error {
			got = append(got, env.Type)

			return nil
		}))
	}

	assert.Equal(t, []events.Type{events.TypeCommandEnqueued, events.TypeCommandStart, events.TypeCommandEnd}, got)
}
