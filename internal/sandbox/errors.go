package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout     = errors.New("execution timed out")
	ErrCancelled   = errors.New("execution cancelled")
	ErrSpawn       = errors.New("process failed to start")
	ErrInvalidSpec = errors.New("invalid process spec")
)

// ExecError wraps errors with execution context.
type ExecError struct {
	RequestID string
	Op        string // The operation that failed
	Err       error
}

func (e *ExecError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.RequestID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a watchdog kill.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled returns true if the child was killed by caller cancellation
// rather than the watchdog.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsSpawn returns true if the child process never started.
func IsSpawn(err error) bool {
	return errors.Is(err, ErrSpawn)
}
