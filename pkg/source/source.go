// Package source feeds runner events to a handler, from event logs or from
// a live browser.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/flakeaudit/pkg/events"
	"github.com/sirupsen/logrus"
)

// Handler consumes one event. Events are delivered strictly in order and
// never concurrently.
type Handler func(ctx context.Context, env *events.Envelope) error

// Source produces runner events until it is exhausted or ctx is done.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// maxLineSize bounds a single event line. test:after:run events carry the
// attributes of every command and can be large.
const maxLineSize = 16 * 1024 * 1024

// FileSource reads newline delimited JSON events.
type FileSource struct {
	log  logrus.FieldLogger
	path string
	r    io.Reader
}

var _ Source = (*FileSource)(nil)

// NewFileSource reads events from path, "-" meaning standard input.
func NewFileSource(log logrus.FieldLogger, path string) *FileSource {
	return &FileSource{
		log:  log.WithFields(logrus.Fields{"component": "file-source", "path": path}),
		path: path,
	}
}

// NewReaderSource reads events from r.
func NewReaderSource(log logrus.FieldLogger, r io.Reader) *FileSource {
	return &FileSource{
		log: log.WithField("component", "file-source"),
		r:   r,
	}
}

// Run reads the log line by line. Blank lines are skipped and malformed
// lines are logged and skipped; handler errors stop the run.
func (s *FileSource) Run(ctx context.Context, handle Handler) error {
	r := s.r

	if r == nil {
		if s.path == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(s.path)
			if err != nil {
				return fmt.Errorf("opening event log: %w", err)
			}
			defer func() { _ = f.Close() }()

			r = f
		}
	}

	return ReadLines(ctx, s.log, r, handle)
}

// ReadLines decodes newline delimited events from r.
func ReadLines(ctx context.Context, log logrus.FieldLogger, r io.Reader, handle Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var line, count int

	for scanner.Scan() {
		line++

		if err := ctx.Err(); err != nil {
			return err
		}

		data := scanner.Bytes()
		if isBlank(data) {
			continue
		}

		env, err := events.ParseEnvelope(data)
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("Skipping malformed event")

			continue
		}

		if err := handle(ctx, env); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		count++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	log.WithField("events", count).Debug("Event log consumed")

	return nil
}

func isBlank(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}

	return true
}
