/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"errors"
	"fmt"
)

// ErrInvalidRate is returned when a non-positive rate is used.
var ErrInvalidRate = errors.New("rate must be positive")

// ErrTerminated is returned for requests sent to a controller that has been shut down.
var ErrTerminated = errors.New("rate queue is terminated")

// ErrUnknownRequest is returned to callers of Call when the request type is not recognized.
var ErrUnknownRequest = errors.New("unknown request")

// ErrShutdown is the termination reason used when Shutdown is called with a nil reason.
var ErrShutdown = errors.New("rate queue shutdown requested")

// ErrAlreadyRunning is returned when Run is called on a controller more than once.
var ErrAlreadyRunning = errors.New("rate queue is already running")

// ErrProcessingFailed is matched (via errors.Is) by every *ProcessingError.
var ErrProcessingFailed = errors.New("processing failed")

// ErrQueueNotFound is returned by Registry for names without a running controller.
var ErrQueueNotFound = errors.New("rate queue not found")

// ErrQueueAlreadyExists is returned by Registry.Start for a name that is already taken.
var ErrQueueAlreadyExists = errors.New("rate queue already exists")

// ProcessingError is delivered to a blocking caller whose item made the Processor fail (or panic).
type ProcessingError struct {
	ItemID string
	Cause  error
}

// Error implements error.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing item %s: %v", e.ItemID, e.Cause)
}

// Unwrap returns the processor's error.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is reports ErrProcessingFailed as matching.
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessingFailed
}
