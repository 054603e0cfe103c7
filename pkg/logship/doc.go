// Package logship forwards local log files to relay hosts.
//
// Each relay that exposes a Loki push port gets one Shipper. The
// shipper tails the configured log files from their current end,
// batches new lines, and POSTs them to the relay's push API through
// an HTTP client whose transport dials over the relay's SSH tunnel.
// While a tunnel is down the lines accumulate in a bounded buffer and
// drain on reconnect; when the buffer overflows, the oldest lines are
// dropped rather than blocking the tail.
package logship
