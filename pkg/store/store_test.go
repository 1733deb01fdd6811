package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: config.DriverSQLite,
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := store.NewStore(testLogger(), &config.DatabaseConfig{Driver: "mysql"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_UpsertAndListSuites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSuite(ctx, &store.Suite{SuiteID: "a", Spec: "a.cy.js", StartedAt: base}))
	require.NoError(t, s.UpsertSuite(ctx, &store.Suite{SuiteID: "b", Spec: "b.cy.js", StartedAt: base.Add(time.Hour)}))

	// Upserting again updates in place.
	require.NoError(t, s.UpsertSuite(ctx, &store.Suite{SuiteID: "a", Spec: "a.cy.js", StartedAt: base, TestsFlaky: 2}))

	suites, err := s.ListSuites(ctx)
	require.NoError(t, err)
	require.Len(t, suites, 2)
	assert.Equal(t, "b", suites[0].SuiteID)
	assert.Equal(t, 2, suites[1].TestsFlaky)

	ids, err := s.ListSuiteIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	got, err := s.GetSuite(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a.cy.js", got.Spec)

	_, err = s.GetSuite(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_AttemptsAndNodes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	attempt := &store.Attempt{SuiteID: "a", TestID: "r1", RetryIndex: 0, State: "failed", RunStart: base}
	require.NoError(t, s.UpsertAttempt(ctx, attempt))
	require.NotZero(t, attempt.ID)

	same := &store.Attempt{SuiteID: "a", TestID: "r1", RetryIndex: 0, State: "failed", RunStart: base, Commands: 3}
	require.NoError(t, s.UpsertAttempt(ctx, same))
	assert.Equal(t, attempt.ID, same.ID)

	nodes := []*store.Node{
		{CommandID: "c1", Name: "visit", State: "passed"},
		{CommandID: "c2", Name: "get", State: "failed"},
	}
	require.NoError(t, s.BulkInsertNodes(ctx, attempt.ID, nodes))

	// Re-inserting replaces the previous nodes.
	require.NoError(t, s.BulkInsertNodes(ctx, attempt.ID, []*store.Node{
		{CommandID: "c1", Name: "visit", State: "passed"},
		{CommandID: "c2", Name: "get", State: "passed"},
		{CommandID: "c3", Name: "click", State: "passed"},
	}))

	got, err := s.ListNodes(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{got[0].CommandID, got[1].CommandID, got[2].CommandID})
	assert.Equal(t, 2, got[2].Position)

	attempts, err := s.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 3, attempts[0].Commands)
}

func TestStore_FlakyTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	attempts := []*store.Attempt{
		// r1 flaky in suite a and b.
		{SuiteID: "a", TestID: "r1", TestTitle: "logs in", RetryIndex: 0, State: "failed", RunStart: base},
		{SuiteID: "a", TestID: "r1", TestTitle: "logs in", RetryIndex: 1, State: "passed", RunStart: base.Add(time.Second)},
		{SuiteID: "b", TestID: "r1", TestTitle: "logs in", RetryIndex: 0, State: "failed", RunStart: base.Add(time.Hour)},
		{SuiteID: "b", TestID: "r1", TestTitle: "logs in", RetryIndex: 1, State: "passed", RunStart: base.Add(time.Hour + time.Second)},
		{SuiteID: "c", TestID: "r1", TestTitle: "logs in", RetryIndex: 0, State: "passed", RunStart: base.Add(2 * time.Hour)},
		// r2 always fails.
		{SuiteID: "a", TestID: "r2", TestTitle: "breaks", RetryIndex: 0, State: "failed", RunStart: base.Add(2 * time.Second)},
		// r3 flaky once.
		{SuiteID: "c", TestID: "r3", TestTitle: "shows", RetryIndex: 0, State: "failed", RunStart: base.Add(3 * time.Hour)},
		{SuiteID: "c", TestID: "r3", TestTitle: "shows", RetryIndex: 1, State: "passed", RunStart: base.Add(3*time.Hour + time.Second)},
	}

	for _, a := range attempts {
		require.NoError(t, s.UpsertAttempt(ctx, a))
	}

	flaky, err := s.FlakyTests(ctx)
	require.NoError(t, err)
	require.Len(t, flaky, 2)

	assert.Equal(t, "r1", flaky[0].TestID)
	assert.Equal(t, 2, flaky[0].FlakySuites)
	assert.Equal(t, 3, flaky[0].Suites)
	assert.True(t, flaky[0].LastFlakyAt.Equal(base.Add(time.Hour+time.Second)))

	assert.Equal(t, "r3", flaky[1].TestID)
	assert.Equal(t, 1, flaky[1].FlakySuites)
}

func newSuiteAudit(t *testing.T) *audit.SuiteAudit {
	t.Helper()

	d := 2 * time.Second
	order := 1

	g := graph.NewResultsGraph(2)
	require.NoError(t, g.Add(&graph.Node{
		ID: "c1", Name: "get", Args: []any{"#user"}, Kind: events.KindQuery,
		State: events.StatePassed, EnqueuedTime: base, Duration: &d, ExecutionOrder: &order,
	}))
	require.NoError(t, g.Add(&graph.Node{
		ID: "c2", Name: "click", Kind: events.KindChild, State: events.StateQueued, EnqueuedTime: base,
	}))

	test := &audit.TestAudit{
		TestID:    "r1",
		TestTitle: "logs in",
		Retries: []*audit.Attempt{
			{RunStart: base, Test: events.Test{ID: "r1", State: events.StateFailed, Duration: 2500}, Graph: g},
		},
	}

	return &audit.SuiteAudit{
		ID:         "suite-1",
		Spec:       "login.cy.js",
		StartedAt:  base,
		FinishedAt: base.Add(time.Minute),
		Thresholds: audit.Thresholds{Test: 5 * time.Second, Command: time.Second},
		Tests:      []*audit.TestAudit{test},
	}
}

func TestSink(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	suite := newSuiteAudit(t)
	test := suite.Tests[0]

	sink := store.NewSink(testLogger(), s)
	require.NoError(t, sink.Attempt(ctx, suite, test, test.Retries[0]))
	require.NoError(t, sink.Finish(ctx, suite))

	got, err := s.GetSuite(ctx, "suite-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TestsTotal)
	assert.Equal(t, 1, got.TestsFailed)
	require.NotNil(t, got.FinishedAt)

	attempts, err := s.ListSuiteAttempts(ctx, "suite-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "failed", attempts[0].State)
	assert.Equal(t, 2, attempts[0].Commands)
	assert.Equal(t, 1, attempts[0].NeverRun)
	assert.Equal(t, 1, attempts[0].SlowCommands)

	nodes, err := s.ListNodes(ctx, attempts[0].ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, `["#user"]`, nodes[0].ArgsJSON)
	require.NotNil(t, nodes[0].DurationNs)
	assert.Equal(t, (2 * time.Second).Nanoseconds(), *nodes[0].DurationNs)
}

func TestIndexer_RunPass(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	suite := newSuiteAudit(t)
	test := suite.Tests[0]

	w := results.NewWriter(testLogger(), dir, results.WriterOptions{})
	require.NoError(t, w.Attempt(ctx, suite, test, test.Retries[0]))
	require.NoError(t, w.Finish(ctx, suite))

	idx := store.NewIndexer(testLogger(), s, dir, time.Minute, 2)

	count, err := idx.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Already indexed suites are skipped.
	count, err = idx.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	attempts, err := s.ListAttempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	nodes, err := s.ListNodes(ctx, attempts[0].ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestIndexer_MissingRunsDir(t *testing.T) {
	idx := store.NewIndexer(testLogger(), setupTestStore(t), t.TempDir(), time.Minute, 0)

	count, err := idx.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
