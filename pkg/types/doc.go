/*
Package types defines the core data structures used throughout Warden.

This package contains the domain model shared by every other package:
the validator process lifecycle states, the anti-slashing record, tunnel
connection states, control session origins, and the error taxonomy that
decides how failures are handled.

# Lifecycle states

The validator process moves through an explicit state machine:

	Stopped → Importing → Starting → Running → Exporting → Stopped

Crashed is reachable from Running (unexpected exit) and Starting (failed
readiness check); both route back through Exporting before any retry,
so the anti-slashing record is always refreshed from the run that just
ended. Stopping is entered from Running on operator or shutdown commands
and likewise routes through Exporting.

# Error taxonomy

Every failure is classified into one of four kinds, each with its own
handling policy:

  - Transient: retried with backoff, logged, never fatal
  - SafetyCritical: operation refused, validator kept stopped, alert raised
  - Security: session or connection rejected, logged as a security event
  - FatalConfig: affected subsystem disabled, others continue

Use Classify or Classifyf to tag errors at their source and KindOf to
dispatch on the classification at handling boundaries.
*/
package types
