// Package health implements readiness and liveness probes for validator
// client processes.
//
// # Overview
//
// A freshly started validator client is not immediately useful. It has
// to load keystores, connect to its beacon nodes, and sync duties before
// it can attest. The supervisor therefore distinguishes between a
// process that is merely running and one that is ready, and it keeps
// watching readiness for as long as the process lives.
//
// Two probe types cover the supported clients:
//
//   - HTTPChecker issues a GET against the client's health endpoint and
//     treats any 2xx response as healthy. Lighthouse exposes
//     /lighthouse/health on its HTTP API for exactly this purpose.
//   - TCPChecker only tests that a port accepts connections. Prysm's
//     validator exposes gRPC, so a plain connect is the cheapest signal
//     that the process is serving.
//
// # Startup vs steady state
//
// During startup the supervisor calls WaitReady, which polls until the
// first healthy result or the readiness deadline. Once the process is
// ready, the supervisor hands the checker to a Monitor, which probes on
// an interval and debounces failures: only Retries consecutive failed
// probes flip the status to unhealthy, so a single slow scrape does not
// trigger a restart.
//
// Monitors are single-owner. The supervisor creates one per process
// start and cancels its context when the process exits.
package health
