package bridge

import "errors"

// Domain errors for the bus bridge.
var (
	// ErrMalformedMessage is returned for an inbound message that cannot be decoded.
	ErrMalformedMessage = errors.New("bridge: malformed message")

	// ErrQueueFull is returned when a command arrives while every worker
	// is busy and the queue is full.
	ErrQueueFull = errors.New("bridge: command queue full")

	// ErrStopped is returned for messages that arrive during shutdown.
	ErrStopped = errors.New("bridge: stopped")

	// ErrMissingDependency is returned by New when a required option is nil.
	ErrMissingDependency = errors.New("bridge: missing dependency")
)
