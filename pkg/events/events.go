package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a runner lifecycle event.
type Type string

const (
	// TypeTestBeforeRun fires once per test attempt before any command.
	TypeTestBeforeRun Type = "test:before:run"
	// TypeCommandEnqueued fires when test code declares a command.
	TypeCommandEnqueued Type = "command:enqueued"
	// TypeCommandStart fires when the runner starts executing a command.
	TypeCommandStart Type = "command:start"
	// TypeCommandEnd fires when a command finished successfully.
	TypeCommandEnd Type = "command:end"
	// TypeCommandRetry fires every time the running command retries.
	TypeCommandRetry Type = "command:retry"
	// TypeTestAfterRun fires once the attempt finished (passed or failed).
	TypeTestAfterRun Type = "test:after:run"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeTestBeforeRun, TypeCommandEnqueued, TypeCommandStart,
		TypeCommandEnd, TypeCommandRetry, TypeTestAfterRun:
		return true
	default:
		return false
	}
}

// Envelope is a single event as it travels over the wire (one JSON object
// per line in event logs, or one element of an ingestion batch).
type Envelope struct {
	Type Type `json:"type"`

	// Time is the wall-clock time the event was observed. Optional; when
	// absent it is derived from Monotonic, or from the consumer's clock if
	// neither reading is present.
	Time *time.Time `json:"time,omitempty"`

	// Monotonic is a high resolution reading in milliseconds taken from the
	// runner's monotonic clock (performance.now() in a browser). Optional.
	Monotonic *float64 `json:"monotonic,omitempty"`

	// Runnable is the runnable active when a command was enqueued.
	Runnable *Runnable `json:"runnable,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// AfterRunPayload is the payload of a test:after:run event. Commands holds
// the final state of the runner's command objects, which carries attributes
// (state, next, currentAssertionCommand) only known after execution.
type AfterRunPayload struct {
	Test     Test          `json:"test"`
	Commands []*RawCommand `json:"commands,omitempty"`
}

// RetryOptions is the payload of a command:retry event.
type RetryOptions struct {
	Retries int    `json:"_retries,omitempty"`
	Timeout int64  `json:"timeout,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stamp is the pair of clock readings attached to a recorded event.
type Stamp struct {
	Wall time.Time
	Mono time.Duration
}

// DecodeTest decodes the payload as a Test.
func (e *Envelope) DecodeTest() (*Test, error) {
	var t Test
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	return &t, nil
}

// DecodeCommand decodes the payload as a runner command object.
func (e *Envelope) DecodeCommand() (*RawCommand, error) {
	var c RawCommand
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	return &c, nil
}

// DecodeRetry decodes the payload as retry options. An empty payload is
// accepted because the runner does not always send options.
func (e *Envelope) DecodeRetry() (*RetryOptions, error) {
	var o RetryOptions
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return &o, nil
	}

	if err := json.Unmarshal(e.Payload, &o); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	return &o, nil
}

// DecodeAfterRun decodes the payload of a test:after:run event. A payload
// holding just the test object is accepted as well.
func (e *Envelope) DecodeAfterRun() (*AfterRunPayload, error) {
	var p AfterRunPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	if p.Test.ID == "" {
		t, err := e.DecodeTest()
		if err != nil {
			return nil, err
		}

		p.Test = *t
	}

	return &p, nil
}

// ParseEnvelope decodes and validates a single wire event.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	if !env.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	return &env, nil
}
