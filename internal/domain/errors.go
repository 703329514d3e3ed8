package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown entity.
var ErrNotFound = errors.New("not found")

// ErrNoWork is returned by the scheduler when no claimable item remains.
var ErrNoWork = errors.New("no work available")

// ConflictError reports a stale version token. It carries both tokens so
// the caller can re-read and retry with fresh intent.
type ConflictError struct {
	EntityID string
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected token %d, current %d", e.EntityID, e.Expected, e.Actual)
}

// HashConflictError is the governance equivalent of ConflictError.
type HashConflictError struct {
	Name         string
	ExpectedHash string
	ActualHash   string
}

func (e HashConflictError) Error() string {
	return fmt.Sprintf("hash conflict on %s: expected %s, current %s", e.Name, e.ExpectedHash, e.ActualHash)
}

// InvalidTransitionError reports a status edge outside the transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// NotAuthorizedError reports an actor acting on an item it does not hold.
type NotAuthorizedError struct {
	ActorID string
	Reason  string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("actor %s not authorized: %s", e.ActorID, e.Reason)
}

// ValidationError reports a malformed command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ScopeViolationError reports a governance target outside the allow-listed
// namespace. Always logged as an event before being returned.
type ScopeViolationError struct {
	Target    string
	Namespace string
}

func (e ScopeViolationError) Error() string {
	return fmt.Sprintf("target %s outside governed namespace %s", e.Target, e.Namespace)
}

// ExecutionError reports that the underlying definition change could not
// be applied. No version is ever recorded for such a change.
type ExecutionError struct {
	Name  string
	Cause error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s: %v", e.Name, e.Cause)
}

func (e ExecutionError) Unwrap() error { return e.Cause }

// TestFailureError reports a deployment whose registered tests failed.
// The deployment has already been rolled back when this is returned.
type TestFailureError struct {
	Name       string
	Test       string
	Cause      error
	RolledBack bool
}

func (e TestFailureError) Error() string {
	return fmt.Sprintf("tests failed for %s (%s): %v", e.Name, e.Test, e.Cause)
}

func (e TestFailureError) Unwrap() error { return e.Cause }
