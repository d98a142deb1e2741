package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound covers both a missing job and a job owned by someone else. The
// two cases are deliberately indistinguishable so that probing for other
// users' job ids reveals nothing.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when an operation requires a status the job is not
// in, e.g. confirming an upload twice.
var ErrConflict = errors.New("job is not in the required status")

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries field-level detail for malformed input. It is a
// client error and is never retried.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

// EngineError marks a failed, timed-out or unusable translation engine reply.
// The worker records it on the job row and re-raises it so the queue's retry
// policy gets a chance on a later delivery.
type EngineError struct {
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("translation engine: %s: %v", e.Message, e.Cause)
	}
	return "translation engine: " + e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

const maxErrorMessageLen = 500

// BoundedErrorMessage renders err for storage on a FAILED row: human readable,
// length capped, no stack traces.
func BoundedErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
