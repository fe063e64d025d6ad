package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSample is returned when a non-finite value is offered to a buffer.
	ErrInvalidSample = errors.New("invalid sample")
	// ErrMalformedSnapshot is returned when an ingest payload is missing
	// required fields or carries values of the wrong type or range.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrNotFound is returned for queries against an unknown agent.
	ErrNotFound = errors.New("agent not found")
	// ErrUnknownChannel is returned for queries against an untracked channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// MalformedSnapshotError names the offending field.
type MalformedSnapshotError struct {
	Field  string
	Reason string
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed snapshot: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedSnapshot.
func (e *MalformedSnapshotError) Unwrap() error { return ErrMalformedSnapshot }

func malformed(field, reason string) error {
	return &MalformedSnapshotError{Field: field, Reason: reason}
}
