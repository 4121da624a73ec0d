package envelope

import (
	"errors"
	"fmt"
)

// Error is a structured error carrying the status it should surface as.
type Error struct {
	Status  Status
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

// NewError creates an Error with a formatted message.
func NewError(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// StatusFromError extracts the Status carried by err, or
// StatusInternalServerError for anything that is not an *Error.
func StatusFromError(err error) Status {
	var e *Error
	if errors.As(err, &e) && e.Status.Valid() {
		return e.Status
	}
	return StatusInternalServerError
}

// FromError converts err to a response. Unknown errors never leak their text.
func FromError(err error, tag string) *Response {
	var e *Error
	if errors.As(err, &e) && e.Status.Valid() {
		if e.Status == StatusInternalServerError {
			return Fail(e.Status, "", tag)
		}
		return Fail(e.Status, e.Message, tag)
	}
	return Fail(StatusInternalServerError, "", tag)
}
