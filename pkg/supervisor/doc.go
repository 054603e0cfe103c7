// Package supervisor owns the validator client process lifecycle.
//
// # State machine
//
// The lifecycle is an explicit state machine:
//
//	Stopped -> Importing -> Starting -> Running -> Stopping -> Exporting -> Stopped
//	                            \           \
//	                             +-> Crashed +-> Crashed -> (backoff) -> Importing
//
// Next is a pure transition function over this table; every side effect
// lives in the Supervisor run loop. The split keeps ordering rules
// testable without subprocesses: the anti-slashing import always
// precedes the process launch, and the export only runs after the
// process has fully exited.
//
// # Run loop
//
// A single goroutine owns all state. Public methods (Start, Stop,
// Restart, Unlock, BackupNow) deliver requests over a channel and wait
// for the outcome, so concurrent control sessions serialize naturally
// and no transition can interleave with another.
//
// A supervisor constructed without a backup manager is locked: Start
// refuses with ErrUnlockRequired until Unlock attaches one. This is how
// the daemon comes up before an operator has supplied the root key
// password.
//
// # Crash handling
//
// Process exits without a stop request land in Crashed. Exit codes in
// the sysexits configuration range disable automatic restart; anything
// else is retried with exponential backoff, and the crash counter
// resets after a sustained Running period. Termination is escalating:
// SIGTERM, a grace period, SIGTERM again, then SIGKILL, always
// addressed to the process group.
package supervisor
