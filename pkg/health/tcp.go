package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes raw TCP reachability. Used for clients that expose
// a gRPC port rather than a plain HTTP health endpoint.
type TCPChecker struct {
	// Address is the TCP address to connect to, e.g. "127.0.0.1:7500".
	Address string

	// Timeout is the connection timeout.
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker for the given address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check attempts a TCP connection.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe type.
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
