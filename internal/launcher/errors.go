package launcher

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMutualExclusionTimeout is returned when stale units for a logical key
	// could not be cleared before the reaping deadline.
	ErrMutualExclusionTimeout = errors.New("stale executions could not be cleared before the deadline")

	// ErrAlreadyStarted is returned by Create when the execution has left NOT_STARTED.
	ErrAlreadyStarted = errors.New("execution already started")

	// ErrNotTerminal is returned when a terminal-only value is read too early.
	ErrNotTerminal = errors.New("execution has not reached a terminal state")

	// ErrNoOutput marks a successful exit that produced no readable output.
	ErrNoOutput = errors.New("no readable output")

	// ErrNonZeroExit marks a terminal execution with a non-zero exit code.
	ErrNonZeroExit = errors.New("non-zero exit code")

	// ErrCancelled marks an outcome produced while cancellation was requested.
	ErrCancelled = errors.New("launch cancelled")

	// ErrUnitDisappeared marks an execution whose unit vanished before it reported a terminal status.
	ErrUnitDisappeared = errors.New("execution unit disappeared")

	// ErrWaitInterrupted is returned by WaitUntilTerminal when its interrupt channel closes.
	ErrWaitInterrupted = errors.New("wait interrupted")
)

// FailureKind classifies a fatal launch error.
type FailureKind int

const (
	KindUnexpected FailureKind = iota
	KindMutualExclusionTimeout
	KindCreation
)

func (k FailureKind) String() string {
	switch k {
	case KindMutualExclusionTimeout:
		return "mutual_exclusion_timeout"
	case KindCreation:
		return "creation_failure"
	default:
		return "unexpected_fault"
	}
}

// LaunchError is the single fatal error kind returned by Launch.
// Retrying the whole launch is safe: an attempt that already created its
// unit is attached to instead of recreated.
type LaunchError struct {
	Application string
	Kind        FailureKind
	Err         error
}

func (e *LaunchError) Error() string {
	switch e.Kind {
	case KindMutualExclusionTimeout:
		return fmt.Sprintf("launcher %s could not clear stale executions: %v", e.Application, e.Err)
	case KindCreation:
		return fmt.Sprintf("launcher %s failed to create execution: %v", e.Application, e.Err)
	default:
		return fmt.Sprintf("running the launcher %s failed: %v", e.Application, e.Err)
	}
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsCreationFailure reports whether err is a LaunchError of kind KindCreation.
func IsCreationFailure(err error) bool {
	var le *LaunchError
	return errors.As(err, &le) && le.Kind == KindCreation
}

// ReapTimeoutError names the units that were still non-terminal at the deadline.
type ReapTimeoutError struct {
	LogicalKey string
	Remaining  []UnitRef
}

func (e *ReapTimeoutError) Error() string {
	names := make([]string, 0, len(e.Remaining))
	for _, r := range e.Remaining {
		names = append(names, r.String())
	}
	return fmt.Sprintf("unable to delete units for %s: [%s]", e.LogicalKey, strings.Join(names, ", "))
}

func (e *ReapTimeoutError) Unwrap() error {
	return ErrMutualExclusionTimeout
}
