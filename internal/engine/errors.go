package engine

import (
	"errors"
	"fmt"

	"papertrade/internal/types"
)

// Error is the taxonomy surfaced to callers: {errorCode, message}.
// Validation failures additionally carry every collected violation.
type Error struct {
	Code       types.ErrorCode `json:"errorCode"`
	Message    string          `json:"message"`
	Violations []string        `json:"violations,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code types.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// execErr wraps unexpected persistence failures. The enclosing transaction
// rolls back, so state is exactly as before the call.
func execErr(err error) *Error {
	return &Error{Code: types.CodeExecution, Message: err.Error()}
}

// AsError extracts the typed error; anything else is reported upward as an
// execution error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: types.CodeExecution, Message: err.Error()}
}
