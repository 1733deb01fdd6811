package recorder

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/flakeaudit/pkg/events"
)

var (
	// ErrBufferNotFound means a command event arrived for a run that never
	// received test:before:run (or was already drained).
	ErrBufferNotFound = errors.New("run buffer not found")

	// ErrCommandNotEnqueued means a start or end event referenced a command
	// that was never enqueued in the active run.
	ErrCommandNotEnqueued = errors.New("command not enqueued")

	// ErrCommandNotStarted means an end event arrived for a command that
	// has no execution record.
	ErrCommandNotStarted = errors.New("command not started")

	// ErrNoCurrentCommand means a retry event arrived while no command was
	// executing.
	ErrNoCurrentCommand = errors.New("no command is currently executing")
)

// ContractError reports an event that violated the runner's ordering
// contract. The run it belongs to is marked broken and left out of reports.
type ContractError struct {
	Event     events.Type
	RunKey    RunKey
	CommandID string
	Err       error
}

func (e *ContractError) Error() string {
	if e.CommandID != "" {
		return fmt.Sprintf("%s (run %s, command %s): %v", e.Event, e.RunKey, e.CommandID, e.Err)
	}

	return fmt.Sprintf("%s (run %s): %v", e.Event, e.RunKey, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}
