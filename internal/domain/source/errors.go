package source

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSourceNotFound is returned when no source has the requested id.
	ErrSourceNotFound = errors.New("source not found")

	// ErrVersionConflict is returned by a conditional write whose expected
	// version or status no longer matches the stored record.
	ErrVersionConflict = errors.New("source version conflict")

	// ErrUnknownStatusCode is wrapped by UnknownStatusCodeError.
	ErrUnknownStatusCode = errors.New("unknown status code")

	// ErrInvalidTransition is wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoEligibleAgent is returned when binding finds no agent for a source.
	ErrNoEligibleAgent = errors.New("no eligible agent")
)

// UnknownStatusCodeError reports an integer code with no matching Status.
type UnknownStatusCodeError struct {
	Code int
}

func (e *UnknownStatusCodeError) Error() string {
	return fmt.Sprintf("unknown status code %d", e.Code)
}

// Unwrap allows errors.Is(err, ErrUnknownStatusCode).
func (e *UnknownStatusCodeError) Unwrap() error { return ErrUnknownStatusCode }

// InvalidTransitionError reports a status change the automaton rejects.
type InvalidTransitionError struct {
	SourceID uuid.UUID
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	if e.SourceID == uuid.Nil {
		return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("invalid status transition for source %s from %s to %s", e.SourceID, e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition).
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
