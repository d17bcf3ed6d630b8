package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry marks an error as non-retryable.
//
// Tasks wrap permanent failures with NoRetry so the engine stops after the
// current attempt; the wrapper is removed before the error is reported.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
