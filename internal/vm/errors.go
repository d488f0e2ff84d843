package vm

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for precondition failures.
var (
	// ErrNotConnected is returned when a VM operation is attempted on a
	// manager whose hypervisor connection is not open. There is no
	// auto-connect: call Connect or use WithManager.
	ErrNotConnected = errors.New("not connected to hypervisor")

	// ErrAlreadyDefined is returned when Define is called on a VM that
	// already holds a hypervisor handle.
	ErrAlreadyDefined = errors.New("domain already defined")

	// ErrAlreadyExists is returned when CreateVM is called with a name
	// already present in the registry.
	ErrAlreadyExists = errors.New("vm already exists")

	// ErrNoHandle is returned when an operation requires a hypervisor
	// handle but the VM has none (never defined, or already deleted).
	ErrNoHandle = errors.New("vm has no hypervisor handle")
)

// ConnectionFailedError reports a failed hypervisor connection attempt.
type ConnectionFailedError struct {
	URI   string
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("failed to connect to hypervisor at %q: %v", e.URI, e.Cause)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// NotFoundError reports a VM name absent from the manager's registry.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vm %q not found", e.Name)
}

// CreateFailedError reports a failed domain definition.
type CreateFailedError struct {
	Name  string
	Cause error
}

func (e *CreateFailedError) Error() string {
	return fmt.Sprintf("failed to create vm %q: %v", e.Name, e.Cause)
}

func (e *CreateFailedError) Unwrap() error { return e.Cause }

// StartFailedError reports a failed power-on, including the case of a
// VM with no handle.
type StartFailedError struct {
	Name  string
	Cause error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("failed to start vm %q: %v", e.Name, e.Cause)
}

func (e *StartFailedError) Unwrap() error { return e.Cause }

// StopFailedError reports a failed shutdown or destroy.
type StopFailedError struct {
	Name  string
	Cause error
}

func (e *StopFailedError) Error() string {
	return fmt.Sprintf("failed to stop vm %q: %v", e.Name, e.Cause)
}

func (e *StopFailedError) Unwrap() error { return e.Cause }

// DeleteFailedError reports a failed undefine or disk removal.
type DeleteFailedError struct {
	Name  string
	Cause error
}

func (e *DeleteFailedError) Error() string {
	return fmt.Sprintf("failed to delete vm %q: %v", e.Name, e.Cause)
}

func (e *DeleteFailedError) Unwrap() error { return e.Cause }

// TimeoutError reports a bounded wait that expired without success.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}
