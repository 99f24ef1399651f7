package agentpoll

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidCursor is returned for a cursor this service did not issue.
var ErrInvalidCursor = errors.New("invalid pull cursor")

// Cursor is an opaque pull position. The empty cursor starts from the
// beginning of the agent's deliverable set.
type Cursor string

// encodeCursor returns the cursor resuming after id.
func encodeCursor(id uuid.UUID) Cursor {
	return Cursor(base64.RawURLEncoding.EncodeToString(id[:]))
}

// decode returns the id to resume after, or uuid.Nil for the empty cursor.
func (c Cursor) decode() (uuid.UUID, error) {
	if c == "" {
		return uuid.Nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return id, nil
}
