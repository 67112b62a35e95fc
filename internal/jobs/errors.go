package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJob is the root of the job error taxonomy. All typed errors in this
	// package match it via errors.Is.
	ErrJob = errors.New("job error")

	// ErrCancelled resolves futures whose producing job was killed: no valid
	// result exists and none will arrive.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned by lookup operations for unknown job identifiers.
	ErrNotFound = errors.New("job not found")

	errWaitTimeout = errors.New("wait timed out")
)

// PermissionError reports an authorization denial.
type PermissionError struct {
	Verb    Verb
	Invoker string
	Target  string
	Reason  string
}

func (e *PermissionError) Error() string {
	s := fmt.Sprintf("permission denied: %s by %q", e.Verb, e.Invoker)
	if e.Target != "" {
		s += fmt.Sprintf(" on %q", e.Target)
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

func (e *PermissionError) Unwrap() error { return ErrJob }

// StateError reports an operation that is invalid for the job's (or the
// manager's) current state.
type StateError struct {
	Op     string
	JobID  string
	Reason string
}

func (e *StateError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("invalid state for %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("invalid state for %s on %q: %s", e.Op, e.JobID, e.Reason)
}

func (e *StateError) Unwrap() error { return ErrJob }

// InitError reports a failed or skipped job setup hook.
type InitError struct {
	JobID  string
	Reason string
	Cause  error
}

func (e *InitError) Error() string {
	s := fmt.Sprintf("initialization of %q: %s", e.JobID, e.Reason)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *InitError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrJob, e.Cause}
	}
	return []error{ErrJob}
}

func stateErrorf(op, jobID, format string, a ...any) *StateError {
	return &StateError{Op: op, JobID: jobID, Reason: fmt.Sprintf(format, a...)}
}
