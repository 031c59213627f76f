package server

import "errors"

// Sentinel errors for transport and router failure modes.
var (
	// ErrConnClosed is returned when a send is attempted on a closed
	// connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrSendQueueFull is returned when a connection's outbound queue is
	// full and a frame is dropped.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrRouterClosed is returned when an event is dispatched after the
	// router has shut down.
	ErrRouterClosed = errors.New("server: router closed")
)
