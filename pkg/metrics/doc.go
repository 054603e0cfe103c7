// Package metrics exposes daemon state as Prometheus gauges.
//
// All metrics are registered on the default registry at package init
// and served by promhttp on the configured loopback address. A
// Collector polls the supervisor, tunnel manager, backup manager, and
// alert broker every fifteen seconds and writes the samples; the hot
// paths never touch the registry directly, so instrumentation cannot
// slow down or deadlock lifecycle operations.
//
// The catalog is small and gauge-only: validator lifecycle state as a
// one-hot vector, crash restarts, unlock status, per-relay tunnel
// connectivity and failure counts, the anti-slashing record version,
// the replication backlog, and retained alerts by type. Everything an
// operator needs to page on fits in a handful of time series.
package metrics
