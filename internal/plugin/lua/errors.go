package lua

import "errors"

// Errors for sandbox handle operations.
var (
	// ErrDisposed is returned when operating on a disposed handle.
	ErrDisposed = errors.New("lua handle is disposed")

	// ErrInvokeTimeout is returned when a call exceeds the watchdog
	// timeout. The handle is disposed as a side effect.
	ErrInvokeTimeout = errors.New("lua invocation timed out")

	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned when the executor queue cannot accept
	// more asynchronous work.
	ErrQueueFull = errors.New("lua executor queue full")
)
