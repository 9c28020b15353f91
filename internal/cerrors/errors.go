// Package cerrors holds the typed errors shared across coordination
// components, so callers can errors.As instead of string-matching.
package cerrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that have no extra payload.
var (
	// ErrLockBusy is never returned by FileLock.Acquire directly (it returns a
	// nil lock instead, per spec); it exists for callers that want to wrap
	// contention as an error value, e.g. context-aware retry helpers.
	ErrLockBusy = errors.New("file lock busy")

	// ErrTaskNotFound is returned when a task id has no corresponding file,
	// or the file exists but fails required-field validation.
	ErrTaskNotFound = errors.New("task not found")

	// ErrJobNotFound is returned when an A2A job id has no corresponding record.
	ErrJobNotFound = errors.New("a2a job not found")
)

// A2AConcurrencyError is returned by the gate when a waiter times out before
// a permit becomes available.
type A2AConcurrencyError struct {
	AgentID        string
	QueueTimeoutMs int64
}

func (e *A2AConcurrencyError) Error() string {
	return fmt.Sprintf("agent %q: no concurrency permit available after %dms", e.AgentID, e.QueueTimeoutMs)
}

// ProtocolViolationError marks a malformed on-disk record whose offending
// section was dropped (the rest of the record is still usable).
type ProtocolViolationError struct {
	Path    string
	Section string
	Cause   error
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%s: malformed section %q: %v", e.Path, e.Section, e.Cause)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Cause }

// StaleLockError describes a lock file that was reclaimed because its
// timestamp or owning PID indicated an abandoned holder.
type StaleLockError struct {
	Path         string
	HeldSince    time.Time
	OwnerPID     int
	OwnerIsAlive bool
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("%s: stale lock held by pid %d since %s (alive=%v)", e.Path, e.OwnerPID, e.HeldSince.Format(time.RFC3339), e.OwnerIsAlive)
}
