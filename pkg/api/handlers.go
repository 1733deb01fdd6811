package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/ethpandaops/flakeaudit/pkg/results"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const (
	maxBatchBytes   = 64 << 20
	maxSessionBytes = 64 << 10
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.len(),
		"database": s.store != nil,
	})
}

// --- Ingestion ---

type createSessionRequest struct {
	Spec          string `json:"spec"`
	RunnerVersion string `json:"runner_version,omitempty"`
}

type createSessionResponse struct {
	ID      string `json:"id"`
	SuiteID string `json:"suite_id"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSessionBytes)).Decode(&req); err != nil &&
		!errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	auditor, err := s.newAuditor(req.Spec, req.RunnerVersion)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	id, err := generateSessionID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"creating session"})

		return
	}

	now := time.Now()
	s.sessions.add(&session{id: id, created: now, lastSeen: now, auditor: auditor})

	s.log.WithFields(logrus.Fields{
		"session":  id,
		"suite_id": auditor.Suite().ID,
		"spec":     req.Spec,
		"token":    tokenFromContext(r.Context()),
	}).Info("Ingestion session created")

	writeJSON(w, http.StatusCreated, createSessionResponse{
		ID:      id,
		SuiteID: auditor.Suite().ID,
	})
}

type ingestResponse struct {
	Accepted   int      `json:"accepted"`
	Violations []string `json:"violations,omitempty"`
}

func (s *server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"session not found"})

		return
	}

	batch, err := decodeBatch(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	accepted, violations, err := sess.apply(r.Context(), batch)
	if err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})

		return
	}

	if len(violations) > 0 {
		s.log.WithFields(logrus.Fields{
			"session":    sess.id,
			"violations": len(violations),
		}).Warn("Batch contained contract violations")
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Accepted:   accepted,
		Violations: violations,
	})
}

// decodeBatch reads either a JSON array of envelopes or newline delimited
// envelopes. A malformed event rejects the whole batch.
func decodeBatch(r io.Reader) ([]*events.Envelope, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading body: %w", err)
	}

	if first == '[' {
		var raw []json.RawMessage
		if err := json.NewDecoder(br).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding event array: %w", err)
		}

		batch := make([]*events.Envelope, 0, len(raw))

		for i, data := range raw {
			env, err := events.ParseEnvelope(data)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}

			batch = append(batch, env)
		}

		return batch, nil
	}

	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchBytes)

	var (
		batch []*events.Envelope
		line  int
	)

	for scanner.Scan() {
		line++

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		env, err := events.ParseEnvelope(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		batch = append(batch, env)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return batch, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}

		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}

		if err := br.UnreadByte(); err != nil {
			return 0, err
		}

		return b, nil
	}
}

func (s *server) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, ok := s.sessions.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"session not found"})

		return
	}

	suite, err := sess.finish(r.Context())
	s.sessions.remove(id)

	if errors.Is(err, errSessionFinished) {
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})

		return
	}

	if err != nil {
		// Sinks failed, the audit itself is complete.
		s.log.WithError(err).WithField("session", id).Warn("Session finished with sink errors")
	}

	summary := results.Summarize(suite)

	s.log.WithFields(logrus.Fields{
		"session":  id,
		"suite_id": summary.ID,
		"tests":    len(summary.Tests),
	}).Info("Ingestion session finished")

	writeJSON(w, http.StatusOK, summary)
}

// --- Queries ---

func (s *server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"database not enabled"})

		return false
	}

	return true
}

func (s *server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	suites, err := s.store.ListSuites(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list suites")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing suites"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"suites": suites})
}

type suiteResponse struct {
	Suite    *store.Suite    `json:"suite"`
	Attempts []store.Attempt `json:"attempts"`
}

func (s *server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	id := chi.URLParam(r, "id")

	suite, err := s.store.GetSuite(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"suite not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).WithField("suite_id", id).Error("Failed to get suite")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"getting suite"})

		return
	}

	attempts, err := s.store.ListSuiteAttempts(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("suite_id", id).Error("Failed to list attempts")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing attempts"})

		return
	}

	writeJSON(w, http.StatusOK, suiteResponse{Suite: suite, Attempts: attempts})
}

func (s *server) handleFlakyTests(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	flaky, err := s.store.FlakyTests(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to aggregate flaky tests")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing flaky tests"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tests": flaky})
}
