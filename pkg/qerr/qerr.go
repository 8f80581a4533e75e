package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown       Code = "unknown"
	CodeConfiguration Code = "configuration"
	CodeValidation    Code = "validation"
	CodeResolution    Code = "resolution"
	CodeSync          Code = "sync"
	CodeWorkspace     Code = "workspace"
	CodeLease         Code = "lease"
	CodeExecution     Code = "execution"
)

// Process exit codes for failures that happen before the workload runs.
// Once the workload has run, its own exit code is reported instead.
const (
	ExitConfiguration = 1
	ExitValidation    = 2
	ExitResolution    = 3
	ExitSync          = 4
	ExitWorkspace     = 5
	ExitLease         = 6
	ExitNotStarted    = 127
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Newf formats a message and tags it with code.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode helps callers compare codes without type assertions.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ExitCode maps err to the process exit code documented for its category.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeConfiguration:
		return ExitConfiguration
	case CodeValidation:
		return ExitValidation
	case CodeResolution:
		return ExitResolution
	case CodeSync:
		return ExitSync
	case CodeWorkspace:
		return ExitWorkspace
	case CodeLease:
		return ExitLease
	case CodeExecution:
		return ExitNotStarted
	default:
		return 1
	}
}
