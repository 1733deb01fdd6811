// Package api serves event ingestion sessions and audit queries over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/audit"
	"github.com/ethpandaops/flakeaudit/pkg/config"
	"github.com/ethpandaops/flakeaudit/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 5 * time.Minute
	sessionIdleTTL         = time.Hour
)

// AuditorFactory creates the auditor backing a new ingestion session.
type AuditorFactory func(spec, runnerVersion string) (*audit.Auditor, error)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	newAuditor AuditorFactory
	sessions   *sessions
	tokens     *tokenVerifier
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server. st may be nil, in which case the
// query endpoints answer 503.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	newAuditor AuditorFactory,
) Server {
	return newServer(log, cfg, st, newAuditor)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	newAuditor AuditorFactory,
) *server {
	log = log.WithField("component", "api")

	return &server{
		log:        log,
		cfg:        cfg,
		store:      st,
		newAuditor: newAuditor,
		sessions:   newSessions(),
		tokens:     newTokenVerifier(cfg.Auth.Tokens),
		done:       make(chan struct{}),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.expireSessions(ctx, time.Now().Add(-sessionIdleTTL))
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		close(s.done)
		s.wg.Wait()

		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and finishes every open session so no
// observed attempt is lost.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.expireSessions(context.Background(), time.Now().Add(time.Hour))

	s.log.Info("API server stopped")

	return nil
}

// expireSessions finishes sessions idle since before cutoff.
func (s *server) expireSessions(ctx context.Context, cutoff time.Time) {
	for _, sess := range s.sessions.takeIdle(cutoff) {
		suite, err := sess.finish(ctx)
		if err != nil {
			s.log.WithError(err).WithField("session", sess.id).
				Warn("Failed to finish expired session")

			continue
		}

		s.log.WithFields(logrus.Fields{
			"session":  sess.id,
			"suite_id": suite.ID,
		}).Info("Finished idle session")
	}
}
