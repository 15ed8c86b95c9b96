package router

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/campusrpc/protocol"
)

// Error is a failure a handler reports on purpose. Its Status and Message
// are sent to the client verbatim, unlike other errors which become
// INTERNAL_ERROR.
type Error struct {
	Status  protocol.Status
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Status, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fail reports a business rule violation (ERROR), e.g. insufficient stock.
func Fail(format string, args ...any) *Error {
	return &Error{Status: protocol.StatusError, Message: fmt.Sprintf(format, args...)}
}

// FailWrap is Fail keeping cause for errors.Is checks and logs.
func FailWrap(cause error, message string) *Error {
	return &Error{Status: protocol.StatusError, Message: message, Err: cause}
}

// BadRequest reports missing or unusable parameters.
func BadRequest(format string, args ...any) *Error {
	return &Error{Status: protocol.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a handler-level authorization failure, e.g. acting on
// somebody else's card.
func Forbidden(format string, args ...any) *Error {
	return &Error{Status: protocol.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Status: protocol.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}
