package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/graph"
	"github.com/ethpandaops/flakeaudit/pkg/recorder"
	"github.com/ethpandaops/flakeaudit/pkg/sysinfo"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Sink consumes audit results. Sinks run after the recorder finished its
// bookkeeping; their errors are logged and never reach the event stream.
type Sink interface {
	// Attempt is called once per reconstructed attempt.
	Attempt(ctx context.Context, suite *SuiteAudit, test *TestAudit, attempt *Attempt) error

	// Finish is called once when the suite audit is complete.
	Finish(ctx context.Context, suite *SuiteAudit) error
}

// Options configures an Auditor.
type Options struct {
	Spec          string
	RunnerVersion string
	Thresholds    Thresholds
	ResultTasks   []string
	Host          *sysinfo.Info

	// Now defaults to time.Now.
	Now func() time.Time
}

// Auditor connects one serialized runner event stream to the recorder,
// reconstructs every finished attempt and fans results out to sinks.
type Auditor struct {
	log        logrus.FieldLogger
	recorder   *recorder.Recorder
	normalizer *events.Normalizer
	graphOpts  graph.Options
	sinks      []Sink
	now        func() time.Time
	clock      *events.Clock

	suite  *SuiteAudit
	byTest map[string]*TestAudit
}

// NewAuditor creates an auditor with its own recorder and buffer store.
func NewAuditor(log logrus.FieldLogger, opts Options, sinks ...Sink) (*Auditor, error) {
	normalizer, err := events.NewNormalizer(opts.RunnerVersion)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	started := now()

	a := &Auditor{
		log:        log.WithField("component", "auditor"),
		recorder:   recorder.New(log, recorder.NewBuffers()),
		normalizer: normalizer,
		graphOpts:  graph.Options{Now: now, ResultTasks: opts.ResultTasks},
		sinks:      sinks,
		now:        now,
		clock:      events.NewClock(now),
		suite: &SuiteAudit{
			ID:         ulid.Make().String(),
			Spec:       opts.Spec,
			StartedAt:  started,
			Thresholds: opts.Thresholds,
			Host:       opts.Host,
			Tests:      make([]*TestAudit, 0, 16),
		},
		byTest: make(map[string]*TestAudit, 16),
	}

	a.log = a.log.WithField("suite_id", a.suite.ID)

	return a, nil
}

// Suite returns the suite audit accumulated so far.
func (a *Auditor) Suite() *SuiteAudit {
	return a.suite
}

// Recorder returns the underlying recorder.
func (a *Auditor) Recorder() *recorder.Recorder {
	return a.recorder
}

// Handle applies a single runner event. Contract violations are returned
// as *recorder.ContractError and only affect the run they belong to.
func (a *Auditor) Handle(ctx context.Context, env *events.Envelope) error {
	if env.Type == events.TypeTestBeforeRun {
		a.clock.Reset()
	}

	at := a.clock.Stamp(env)

	switch env.Type {
	case events.TypeTestBeforeRun:
		test, err := env.DecodeTest()
		if err != nil {
			return err
		}

		a.recorder.OnTestBeforeRun(test, at)

		return nil
	case events.TypeCommandEnqueued:
		cmd, err := a.decodeCommand(env)
		if err != nil {
			return err
		}

		return a.recorder.OnCommandEnqueued(cmd, env.Runnable, at)
	case events.TypeCommandStart:
		cmd, err := a.decodeCommand(env)
		if err != nil {
			return err
		}

		return a.recorder.OnCommandStart(cmd, at)
	case events.TypeCommandEnd:
		cmd, err := a.decodeCommand(env)
		if err != nil {
			return err
		}

		return a.recorder.OnCommandEnd(cmd, at)
	case events.TypeCommandRetry:
		opts, err := env.DecodeRetry()
		if err != nil {
			return err
		}

		return a.recorder.OnCommandRetry(opts, at)
	case events.TypeTestAfterRun:
		payload, err := env.DecodeAfterRun()
		if err != nil {
			return err
		}

		final := make([]*events.Snapshot, 0, len(payload.Commands))
		for _, c := range payload.Commands {
			final = append(final, a.normalizer.Normalize(c))
		}

		_, err = a.AfterRun(ctx, &payload.Test, final, at)

		return err
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}

func (a *Auditor) decodeCommand(env *events.Envelope) (*events.Snapshot, error) {
	raw, err := env.DecodeCommand()
	if err != nil {
		return nil, err
	}

	snap := a.normalizer.Normalize(raw)
	if snap.ID == "" {
		return nil, fmt.Errorf("%s: command without id", env.Type)
	}

	return snap, nil
}

// AfterRun drains the attempt's buffer, reconstructs its graph and records
// the attempt. A missing buffer or a broken run is logged and reported as
// an error without touching any other run.
func (a *Auditor) AfterRun(
	ctx context.Context,
	test *events.Test,
	final []*events.Snapshot,
	at events.Stamp,
) (*Attempt, error) {
	key := recorder.KeyOf(test)
	log := a.log.WithField("run_key", key.String())

	buf, err := a.recorder.OnTestAfterRun(test, final, at)
	if err != nil {
		log.WithError(err).Warn("No buffer for finished run, skipping audit")
		a.suite.Excluded = append(a.suite.Excluded, key.String())

		return nil, err
	}

	if buf.Broken != nil {
		log.WithError(buf.Broken).Error("Run violated the event contract, excluding from report")
		a.suite.Excluded = append(a.suite.Excluded, key.String())

		return nil, buf.Broken
	}

	attempt := &Attempt{
		RunKey:     key,
		RetryIndex: key.Retry,
		RunStart:   buf.RunStartWall,
		Test:       buf.Test,
		Graph:      a.buildGraph(log, buf),
	}

	t := a.testAudit(&buf.Test)
	t.Retries = append(t.Retries, attempt)

	log.WithFields(logrus.Fields{
		"title":     test.Title,
		"state":     test.State,
		"commands":  attempt.Graph.Len(),
		"failed":    len(attempt.Graph.Failed()),
		"never_run": len(attempt.Graph.NeverRun()),
	}).Info("Attempt audited")

	for _, sink := range a.sinks {
		if err := sink.Attempt(ctx, a.suite, t, attempt); err != nil {
			log.WithError(err).Warn("Sink failed to record attempt")
		}
	}

	return attempt, nil
}

// buildGraph reconstructs a run, turning a panic on malformed data into a
// partial (empty) graph so other runs are unaffected.
func (a *Auditor) buildGraph(log logrus.FieldLogger, buf *recorder.RunBuffer) (g *graph.ResultsGraph) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Graph reconstruction failed")

			g = graph.NewResultsGraph(0)
		}
	}()

	return graph.Build(buf, a.graphOpts)
}

func (a *Auditor) testAudit(test *events.Test) *TestAudit {
	if t, ok := a.byTest[test.ID]; ok {
		t.MaxRetries = max(t.MaxRetries, test.Retries)

		return t
	}

	t := &TestAudit{
		TestID:     test.ID,
		TestTitle:  test.Title,
		File:       test.File,
		MaxRetries: test.Retries,
		Retries:    make([]*Attempt, 0, 1+test.Retries),
	}

	a.byTest[test.ID] = t
	a.suite.Tests = append(a.suite.Tests, t)

	return t
}

// Finish closes the suite audit. Runs that never reached test:after:run
// are reconstructed from what was observed, then every sink is finished.
func (a *Auditor) Finish(ctx context.Context) (*SuiteAudit, error) {
	// Unfinished runs end with the last event observed.
	at, ok := a.clock.Latest()
	if !ok {
		at = a.clock.Stamp(&events.Envelope{})
	}

	for _, key := range a.recorder.Buffers().Keys() {
		buf, err := a.recorder.Buffers().Get(key)
		if err != nil {
			continue
		}

		test := buf.Test

		a.log.WithField("run_key", key.String()).
			Warn("Run never finished, auditing observed history")

		if _, err := a.AfterRun(ctx, &test, nil, at); err != nil &&
			!errors.Is(err, recorder.ErrBufferNotFound) {
			a.log.WithError(err).WithField("run_key", key.String()).
				Debug("Unfinished run excluded")
		}
	}

	a.suite.FinishedAt = a.now()

	var errs []error

	for _, sink := range a.sinks {
		if err := sink.Finish(ctx, a.suite); err != nil {
			a.log.WithError(err).Warn("Sink failed to finish suite")
			errs = append(errs, err)
		}
	}

	return a.suite, errors.Join(errs...)
}
