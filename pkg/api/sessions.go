package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/events"
)

var errSessionFinished = errors.New("session already finished")

// session is one ingestion stream. The recorder behind it is not safe for
// concurrent use, so every event is applied under mu.
type session struct {
	id      string
	created time.Time

	mu       sync.Mutex
	auditor  *audit.Auditor
	lastSeen time.Time
	events   int
	finished bool
}

// apply handles a batch in order. Contract violations are collected and
// do not stop the batch.
func (s *session) apply(ctx context.Context, batch []*events.Envelope) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return 0, nil, errSessionFinished
	}

	s.lastSeen = time.Now()

	var violations []string

	for _, env := range batch {
		if err := s.auditor.Handle(ctx, env); err != nil {
			violations = append(violations, err.Error())

			continue
		}

		s.events++
	}

	return len(batch) - len(violations), violations, nil
}

func (s *session) finish(ctx context.Context) (*audit.SuiteAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil, errSessionFinished
	}

	s.finished = true

	return s.auditor.Finish(ctx)
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSeen
}

type sessions struct {
	mu    sync.Mutex
	items map[string]*session
}

func newSessions() *sessions {
	return &sessions{items: make(map[string]*session, 8)}
}

func (s *sessions) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[sess.id] = sess
}

func (s *sessions) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.items[id]

	return sess, ok
}

func (s *sessions) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

// takeIdle removes and returns the sessions idle since before cutoff.
func (s *sessions) takeIdle(cutoff time.Time) []*session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []*session

	for id, sess := range s.items {
		if sess.idleSince().Before(cutoff) {
			idle = append(idle, sess)
			delete(s.items, id)
		}
	}

	return idle
}
