package supervisor

import (
	"errors"
	"fmt"

	"github.com/stakewatch/warden/pkg/types"
)

// Event is an input to the lifecycle state machine.
type Event string

const (
	// EventStart requests the validator to come up.
	EventStart Event = "start"

	// EventImportDone signals the anti-slashing import completed.
	EventImportDone Event = "import-done"

	// EventImportFailed signals the import was refused.
	EventImportFailed Event = "import-failed"

	// EventReady signals the client passed its readiness probe.
	EventReady Event = "ready"

	// EventExit signals the process exited without a stop request.
	EventExit Event = "exit"

	// EventStop requests a graceful shutdown.
	EventStop Event = "stop"

	// EventStopped signals the process exited after a stop request.
	EventStopped Event = "stopped"

	// EventExportDone signals the anti-slashing export finished,
	// successfully or not.
	EventExportDone Event = "export-done"

	// EventRetry signals the crash backoff delay elapsed.
	EventRetry Event = "retry"
)

// ErrInvalidTransition is returned by Next for undefined state/event
// pairs.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the full lifecycle table. Anything absent is invalid.
var transitions = map[types.ValidatorState]map[Event]types.ValidatorState{
	types.ValidatorStopped: {
		EventStart: types.ValidatorImporting,
		EventStop:  types.ValidatorStopped, // idempotent
	},
	types.ValidatorImporting: {
		EventImportDone:   types.ValidatorStarting,
		EventImportFailed: types.ValidatorStopped,
		EventStop:         types.ValidatorStopped,
	},
	types.ValidatorStarting: {
		EventReady: types.ValidatorRunning,
		EventExit:  types.ValidatorCrashed,
		EventStop:  types.ValidatorStopping,
	},
	types.ValidatorRunning: {
		EventExit: types.ValidatorCrashed,
		EventStop: types.ValidatorStopping,
	},
	types.ValidatorStopping: {
		EventStopped: types.ValidatorExporting,
		EventStop:    types.ValidatorStopping, // idempotent
	},
	types.ValidatorExporting: {
		EventExportDone: types.ValidatorStopped,
	},
	// A crash leaves unsealed signing history on disk. Every way out
	// of Crashed runs through Exporting so that history lands in a
	// record before a re-import can overwrite it.
	types.ValidatorCrashed: {
		EventRetry: types.ValidatorExporting,
		EventStart: types.ValidatorExporting,
		EventStop:  types.ValidatorExporting,
	},
}

// Next computes the successor state for an event. It is a pure
// function; all side effects live in the Supervisor run loop.
func Next(state types.ValidatorState, event Event) (types.ValidatorState, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return state, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, state)
}
