package publisher

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is matched by every *BackpressureError.
	ErrBackpressure = errors.New("publish window full")
	ErrClosed       = errors.New("publisher closed")
)

// BackpressureError is returned by a non-blocking publish while the
// in-flight window is full. It is transient.
type BackpressureError struct {
	Window int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("%v: %d publishes awaiting ack", ErrBackpressure, e.Window)
}

func (e *BackpressureError) Unwrap() error { return ErrBackpressure }

// PublishError fails a future once every produce attempt was rejected or
// timed out.
type PublishError struct {
	DriverID string
	Sequence uint64
	Attempts int
	Cause    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish driver=%s sequence=%d failed after %d attempts: %v", e.DriverID, e.Sequence, e.Attempts, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }
