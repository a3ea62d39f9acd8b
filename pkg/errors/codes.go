package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in rigkeeper.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Provisioning
	ErrCodeNoVersion         ErrorCode = 2001
	ErrCodeDownloadExhausted ErrorCode = 2002
	ErrCodeChecksumMismatch  ErrorCode = 2003
	ErrCodeExtractFailed     ErrorCode = 2004
	ErrCodeAssetNotFound     ErrorCode = 2005
	ErrCodeReleaseSource     ErrorCode = 2006
	ErrCodeNotResolved       ErrorCode = 2007

	// Supervision
	ErrCodeSpawnFailed       ErrorCode = 3001
	ErrCodeBreakerOpen       ErrorCode = 3002
	ErrCodeTerminalExit      ErrorCode = 3003
	ErrCodeStoppedByMonitor  ErrorCode = 3004
	ErrCodeHealthWaitTimeout ErrorCode = 3005

	// Orchestration
	ErrCodePhaseTimeout      ErrorCode = 4001
	ErrCodeDependencyBlocked ErrorCode = 4002
	ErrCodeInvalidGraph      ErrorCode = 4003
	ErrCodeCancelled         ErrorCode = 4004
	ErrCodeStepFailed        ErrorCode = 4005
)

// RigError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type RigError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *RigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *RigError) Unwrap() error {
	return e.Err
}

// New creates a new RigError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &RigError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost RigError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var re *RigError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeUnknown
}

// IsCode reports whether any RigError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var re *RigError
		if !errors.As(err, &re) {
			return false
		}
		if re.Code == code {
			return true
		}
		err = re.Err
	}
	return false
}
