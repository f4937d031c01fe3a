// Package transport is the external, non-blocking network boundary the
// exchange engine sends and receives through. This module never dials
// or binds sockets itself beyond the reference UDP implementation in
// udp.go; a host may substitute any Transport, including one added for
// CoAP-TCP framing (spec §6).
package transport

import "errors"

// ErrWouldBlock is returned by Send/Recv when the operation could not
// complete without blocking; callers yield to the host loop and retry
// on the next step.
var ErrWouldBlock = errors.New("transport: would block")

// Transport is the non-blocking connect/send/recv/close boundary (spec
// §2's "Transport (external)" leaf). Grounded on driver.go's
// FrameHandler/CANModule shape: one small interface a host implements
// once per bearer.
type Transport interface {
	// Connect establishes (or re-establishes, after Disconnect) the
	// datagram flow to the configured server address.
	Connect() error
	// Disconnect closes the flow; used when entering queue mode or on
	// a forced transition.
	Disconnect() error
	// Send writes one datagram. Returns ErrWouldBlock if the socket
	// buffer is full.
	Send(buf []byte) error
	// Recv reads one datagram into buf, returning the number of bytes
	// read. Returns ErrWouldBlock if nothing is pending.
	Recv(buf []byte) (int, error)
	// ReuseLastPort re-opens the flow bound to the same local port used
	// before a Disconnect, per the queue-mode exit requirement (spec
	// §4.2: "leaves queue mode via reuse_last_port and resumes").
	ReuseLastPort() error
}
