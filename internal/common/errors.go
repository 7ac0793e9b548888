package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")

	// ErrParse marks a malformed or headerless upload file.
	ErrParse = errors.New("file parse failed")
	// ErrSubmission marks an upload whose response carried no usable job id,
	// or a non-2xx submission response.
	ErrSubmission = errors.New("job submission failed")
	// ErrJobNotFound marks a 404/410 from the progress endpoint: the job was
	// deleted or expired server-side.
	ErrJobNotFound = errors.New("job not found on server")
	// ErrServerUnavailable marks the transport/connectivity error class:
	// network unreachable, timeout, or a 5xx response.
	ErrServerUnavailable = errors.New("analysis backend unavailable")
	// ErrCancel / ErrDownload mark best-effort actions that failed; they never
	// change a job's status on their own.
	ErrCancel   = errors.New("cancel request failed")
	ErrDownload = errors.New("result download failed")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
