package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Type
		wantErr string
	}{
		{"before run", `{"type":"test:before:run","payload":{}}`, TypeTestBeforeRun, ""},
		{"retry without payload", `{"type":"command:retry"}`, TypeCommandRetry, ""},
		{"unknown type", `{"type":"command:log"}`, "", "unknown event type"},
		{"not json", `type=command:end`, "", "decoding event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.data))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
		})
	}
}

func TestDecodeAfterRun(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"test:after:run","payload":{
		"test":{"id":"r1","title":"works","state":"failed","currentRetry":1},
		"commands":[{"id":"c1","attributes":{"state":"failed"}}]
	}}`))
	require.NoError(t, err)

	p, err := env.DecodeAfterRun()
	require.NoError(t, err)
	assert.Equal(t, "r1", p.Test.ID)
	assert.Equal(t, 1, p.Test.CurrentRetry)
	require.Len(t, p.Commands, 1)
	assert.Equal(t, "c1", p.Commands[0].ID())

	// A bare test object is accepted as payload.
	env, err = ParseEnvelope([]byte(`{"type":"test:after:run","payload":{"id":"r2","title":"bare","state":"passed"}}`))
	require.NoError(t, err)

	p, err = env.DecodeAfterRun()
	require.NoError(t, err)
	assert.Equal(t, "r2", p.Test.ID)
	assert.Equal(t, StatePassed, p.Test.State)
	assert.Empty(t, p.Commands)
}

func TestDecodeRetry(t *testing.T) {
	for _, payload := range []string{``, `null`} {
		env := &Envelope{Type: TypeCommandRetry, Payload: json.RawMessage(payload)}

		opts, err := env.DecodeRetry()
		require.NoError(t, err)
		assert.Equal(t, RetryOptions{}, *opts)
	}

	env := &Envelope{Type: TypeCommandRetry, Payload: json.RawMessage(`{"_retries":3,"timeout":4000,"error":"not found"}`)}

	opts, err := env.DecodeRetry()
	require.NoError(t, err)
	assert.Equal(t, 3, opts.Retries)
	assert.Equal(t, int64(4000), opts.Timeout)
}

func TestTestUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Test
	}{
		{
			name: "public fields",
			data: `{"id":"r1","title":"a","currentRetry":1,"retries":2,"duration":15.5,"state":"passed","invocationDetails":{"relativeFile":"cypress/e2e/a.cy.js"}}`,
			want: Test{ID: "r1", Title: "a", CurrentRetry: 1, Retries: 2, Duration: 15.5, State: StatePassed, File: "cypress/e2e/a.cy.js"},
		},
		{
			name: "underscored fields and parent invocation details",
			data: `{"id":"r1","title":"a","_currentRetry":2,"_retries":3,"parent":{"invocationDetails":{"relativeFile":"b.cy.js"}}}`,
			want: Test{ID: "r1", Title: "a", CurrentRetry: 2, Retries: 3, File: "b.cy.js"},
		},
		{
			name: "public field wins",
			data: `{"id":"r1","currentRetry":0,"_currentRetry":4,"file":"x.cy.js","invocationDetails":{"relativeFile":"y.cy.js"}}`,
			want: Test{ID: "r1", File: "x.cy.js"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Test
			require.NoError(t, json.Unmarshal([]byte(tt.data), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunnableType(t *testing.T) {
	tests := []struct {
		runnable *Runnable
		want     RunnableType
	}{
		{nil, RunnableTest},
		{&Runnable{Type: "test"}, RunnableTest},
		{&Runnable{Type: "hook", HookName: `"before each" hook`}, RunnableBeforeEach},
		{&Runnable{Type: "hook", HookName: `"after each" hook for "works"`}, RunnableAfterEach},
		{&Runnable{Type: "hook", HookName: `"before all" hook`}, RunnableBefore},
		{&Runnable{Type: "hook", HookName: `"after all" hook`}, RunnableAfter},
		{&Runnable{Type: "hook", HookName: "custom"}, RunnableTest},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.runnable.RunnableType())
	}
}

func TestNormalize(t *testing.T) {
	n, err := NewNormalizer("")
	require.NoError(t, err)

	var raw RawCommand
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "flat",
		"name": "ignored",
		"attributes": {
			"id": "c1",
			"name": "get",
			"args": ["@user"],
			"type": "parent",
			"query": true,
			"state": "failed",
			"next": {"attributes": {"id": "c2", "name": "click", "next": {"id": "c3"}}},
			"currentAssertionCommand": {"id": "c4", "type": "assertion"}
		},
		"state": "passed"
	}`), &raw))

	s := n.Normalize(&raw)

	assert.Equal(t, "c1", s.ID)
	assert.Equal(t, "get", s.Name)
	assert.Equal(t, []any{"@user"}, s.Args)
	assert.Equal(t, CommandTypeParent, s.Type)
	assert.True(t, s.Query)
	assert.Equal(t, KindQuery, s.Kind())

	// Flat state wins, attributes fill the gaps.
	assert.Equal(t, StatePassed, s.State)

	require.NotNil(t, s.Next)
	assert.Equal(t, "c2", s.Next.ID)
	assert.Nil(t, s.Next.Next, "links are normalized one level deep")

	require.NotNil(t, s.CurrentAssertion)
	assert.True(t, s.CurrentAssertion.IsAssertion())
}

func TestNormalizeInfersQueriesForOldRunners(t *testing.T) {
	tests := []struct {
		version string
		name    string
		query   *bool
		want    bool
	}{
		{"11.2.0", "get", nil, true},
		{"11.2.0", "click", nil, false},
		{"13.6.0", "get", nil, false},
		{"", "get", nil, false},
		{"11.2.0", "contains", boolPtr(false), false},
		{"13.6.0", "click", boolPtr(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.version+"/"+tt.name, func(t *testing.T) {
			n, err := NewNormalizer(tt.version)
			require.NoError(t, err)

			raw := &RawCommand{commandFields: commandFields{ID: "c", Name: tt.name, Query: tt.query}}
			assert.Equal(t, tt.want, n.Normalize(raw).Query)
		})
	}
}

func TestNewNormalizerRejectsBadVersion(t *testing.T) {
	_, err := NewNormalizer("twelve")
	require.Error(t, err)
}

func TestSnapshotMerge(t *testing.T) {
	base := Snapshot{ID: "c1", Name: "get", Type: CommandTypeParent, Query: true, State: StatePending}

	merged := base.Merge(&Snapshot{State: StateFailed, Args: []any{"#id"}})
	assert.Equal(t, "get", merged.Name)
	assert.True(t, merged.Query)
	assert.Equal(t, StateFailed, merged.State)
	assert.Equal(t, []any{"#id"}, merged.Args)

	assert.Equal(t, base, base.Merge(nil))
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindAssertion, (&Snapshot{Type: CommandTypeAssertion}).Kind())
	assert.Equal(t, KindChild, (&Snapshot{Type: CommandTypeChild}).Kind())
	assert.Equal(t, KindDual, (&Snapshot{Type: CommandTypeDual}).Kind())
	assert.Equal(t, KindParent, (&Snapshot{}).Kind())
}

func boolPtr(b bool) *bool {
	return &b
}
