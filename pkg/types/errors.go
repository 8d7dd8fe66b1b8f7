// Package types defines error types
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Predefined errors
var (
	// ErrLockTimeout indicates the lock acquisition budget was exhausted
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockHeld indicates the lock is currently held by another owner
	ErrLockHeld = errors.New("lock is held")

	// ErrLockNotHeld indicates a release by a non-owner or after the lock is gone
	ErrLockNotHeld = errors.New("lock is not held by this owner")

	// ErrArgumentMismatch indicates a malformed task submission
	ErrArgumentMismatch = errors.New("argument mismatch")

	// ErrTaskExecution indicates a task failed inside the dispatched function
	ErrTaskExecution = errors.New("task execution failed")

	// ErrWorkerCrashed indicates a worker process terminated abnormally
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrNotInitialized indicates a worker process never reached worker.Init
	ErrNotInitialized = errors.New("worker process not initialized")
)

// LockTimeoutError is returned when a lock could not be acquired within its budget
type LockTimeoutError struct {
	// Path is the lock resource
	Path string

	// Timeout is the configured acquisition budget
	Timeout time.Duration

	// Waited is the time spent polling
	Waited time.Duration

	// Attempts is the number of exclusive-create attempts
	Attempts int

	// Holder describes the current owner when the marker could be read
	Holder string
}

// Error implements the error interface
func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("lock %s: timed out after %v (%d attempts)", e.Path, e.Waited, e.Attempts)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg
}

// Is reports whether target is ErrLockTimeout
func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// ArgumentMismatchError describes a malformed task submission
type ArgumentMismatchError struct {
	// Func is the name of the dispatched function
	Func string

	// Index is the offending task index, -1 for list-level problems
	Index int

	// Reason explains the mismatch
	Reason string
}

// Error implements the error interface
func (e *ArgumentMismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("argument mismatch for %s: %s", e.Func, e.Reason)
	}
	return fmt.Sprintf("argument mismatch for %s task %d: %s", e.Func, e.Index, e.Reason)
}

// Is reports whether target is ErrArgumentMismatch
func (e *ArgumentMismatchError) Is(target error) bool {
	return target == ErrArgumentMismatch
}

// TaskExecutionError wraps the first task failure of a dispatch
type TaskExecutionError struct {
	// Index is the task index
	Index int

	// Cause is the underlying error
	Cause error

	// Failures is the total number of failed tasks in the dispatch
	Failures int
}

// Error implements the error interface
func (e *TaskExecutionError) Error() string {
	if e.Failures > 1 {
		return fmt.Sprintf("task %d failed: %v (%d tasks failed)", e.Index, e.Cause, e.Failures)
	}
	return fmt.Sprintf("task %d failed: %v", e.Index, e.Cause)
}

// Unwrap returns the underlying error
func (e *TaskExecutionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is a specific error
func (e *TaskExecutionError) Is(target error) bool {
	return target == ErrTaskExecution
}

// WorkerCrashedError reports an abnormal worker termination
type WorkerCrashedError struct {
	// WorkerID is the pool-local worker number
	WorkerID int

	// PID is the operating system process id, 0 if the process never started
	PID int

	// TaskIndex is the task that was in flight, -1 if none
	TaskIndex int

	// State is the exit state reported by the operating system
	State string

	// Cause is the error observed by the coordinator
	Cause error
}

// Error implements the error interface
func (e *WorkerCrashedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker %d (pid %d) crashed", e.WorkerID, e.PID)
	if e.TaskIndex >= 0 {
		fmt.Fprintf(&b, " running task %d", e.TaskIndex)
	}
	if e.State != "" {
		fmt.Fprintf(&b, ": %s", e.State)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *WorkerCrashedError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is a specific error
func (e *WorkerCrashedError) Is(target error) bool {
	return target == ErrWorkerCrashed
}

// PanicError is a recovered panic from a dispatched function
type PanicError struct {
	// Value is the value passed to panic
	Value interface{}

	// Stack is the goroutine stack at recovery time
	Stack []byte
}

// Error implements the error interface
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RemoteError is a failure captured in a worker process and carried back
// to the coordinator. Only the type name and message survive the trip.
type RemoteError struct {
	// Type is the dynamic type of the original error, or "panic"
	Type string

	// Message is the original error message
	Message string

	// Stack is set for recovered panics
	Stack string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return e.Message
}

// IsPanic reports whether the remote failure was a panic
func (e *RemoteError) IsPanic() bool {
	return e.Type == "panic"
}

// NewRemoteError captures err for transport across a process boundary
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return &RemoteError{Type: "panic", Message: pe.Error(), Stack: string(pe.Stack)}
	}
	return &RemoteError{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}
