// Package tunnel maintains persistent SSH connections to relay hosts.
//
// Each configured relay gets its own Tunnel goroutine with an
// independent reconnect loop, so an unreachable relay never delays the
// others and never blocks the supervisor. A connect opens a
// reverse-forwarded listener on the relay for the control protocol and
// makes the relay's SFTP endpoint available to the backup manager for
// replica uploads.
//
// Reconnects use jittered exponential backoff. The one failure that is
// not retried is a host key mismatch: every relay's public key is
// pinned in the configuration, and a relay presenting a different key
// is treated as a compromised endpoint. That tunnel shuts down until
// an operator updates the pin, and a security alert is raised.
//
// The daemon only ever connects out. No listening ports are exposed on
// the validator host beyond the local control socket; remote operator
// access arrives through the reverse forwards.
package tunnel
