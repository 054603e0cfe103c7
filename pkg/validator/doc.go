// Package validator adapts the supervisor to concrete validator client
// implementations.
//
// An Adapter is mostly a pure argv factory. It knows how to launch its
// client against a chosen beacon endpoint, how to import and export the
// slashing protection interchange file, and how to probe both the
// client itself and candidate beacon nodes. Execution belongs to the
// supervisor; keeping adapters free of process handling makes every
// command constructible and testable without a client binary installed.
//
// Two clients are supported:
//
//   - lighthouse: launched via its validator_client subcommand with the
//     HTTP API enabled, probed through /lighthouse/health. Beacon nodes
//     are usable only when /lighthouse/syncing reports "Synced".
//   - prysm: launched with the gRPC gateway on the configured health
//     address and probed by TCP connect. Beacon nodes are probed via
//     the standard /eth/v1/node/health endpoint.
//
// The clients disagree on the interchange file name: lighthouse writes
// to whatever path it is given, while prysm always produces
// slashing_protection.json in an export directory. ExportedFile hides
// the difference and always yields the canonical name the backup
// archive expects.
package validator
