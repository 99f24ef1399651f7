package errs

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/ahrav/sourcefleet/internal/app/agentpoll"
	"github.com/ahrav/sourcefleet/internal/app/snapshot"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// Map converts an error returned by the application layer into an *Error
// carrying the matching code. An *Error is returned unchanged.
func Map(err error) *Error {
	if appErr := GetError(err); appErr != nil {
		return appErr
	}

	pc, filename, line, _ := runtime.Caller(1)
	return &Error{
		Code:     codeFor(err),
		Message:  err.Error(),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

func codeFor(err error) ErrCode {
	switch {
	case errors.Is(err, source.ErrSourceNotFound):
		return NotFound
	case errors.Is(err, source.ErrInvalidTransition):
		return FailedPrecondition
	case errors.Is(err, source.ErrVersionConflict):
		return Aborted
	case errors.Is(err, source.ErrUnknownStatusCode),
		errors.Is(err, agentpoll.ErrInvalidCursor),
		errors.Is(err, snapshot.ErrSnapshotTooLarge):
		return InvalidArgument
	case errors.Is(err, source.ErrNoEligibleAgent):
		return Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return Canceled
	default:
		return Internal
	}
}
