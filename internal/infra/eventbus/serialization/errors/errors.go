package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrInvalidUUID indicates that a UUID field could not be parsed
type ErrInvalidUUID struct {
	Field string
	Err   error
}

func (e ErrInvalidUUID) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidUUID) Unwrap() error { return e.Err }

// ErrUnexpectedPayload indicates a payload whose Go type does not match its event type.
type ErrUnexpectedPayload struct {
	EventType string
	Value     any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("unexpected payload %T for %s", e.Value, e.EventType)
}

// ErrMissingField indicates that a required envelope or payload field was absent.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing field %s", e.Field) }
