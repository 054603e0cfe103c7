/*
Package log provides structured logging for Warden using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific child loggers, configurable log levels,
and helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

Subsystems obtain child loggers tagged with their component name:

	logger := log.WithComponent("tunnel")
	logger.Info().Str("relay", host).Msg("connected")

Security events and safety-critical failures are always logged at error
level regardless of the configured level so that they are visible in
forwarded log streams.
*/
package log
