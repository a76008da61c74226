package runtime

import (
	"errors"
	"fmt"
)

// AcpRuntimeError represents errors that occur during ACP runtime operations.
type AcpRuntimeError struct {
	Code    string // Machine-readable error code
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

// Error implements the error interface.
func (e *AcpRuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AcpRuntimeError) Unwrap() error {
	return e.Err
}

// ACP runtime error codes.
const (
	// ErrCodeBackendMissing indicates no ACP runtime backend is registered for the configured id.
	ErrCodeBackendMissing = "ACP_BACKEND_MISSING"

	// ErrCodeBackendUnavailable indicates the backend is known but currently unreachable.
	ErrCodeBackendUnavailable = "ACP_BACKEND_UNAVAILABLE"

	// ErrCodeSessionInitFailed indicates ensure or metadata persistence failed,
	// the admission limit was reached, or the session is not ACP-enabled.
	ErrCodeSessionInitFailed = "ACP_SESSION_INIT_FAILED"

	// ErrCodeTurnFailed indicates an ACP turn execution failed. It is also the
	// normalized default for unknown backend errors.
	ErrCodeTurnFailed = "ACP_TURN_FAILED"

	// ErrCodeBackendUnsupportedControl indicates the backend doesn't support a
	// requested control, or a config option key was not advertised.
	ErrCodeBackendUnsupportedControl = "ACP_BACKEND_UNSUPPORTED_CONTROL"

	// ErrCodeInvalidRuntimeOption indicates a runtime option failed validation
	// before any backend call.
	ErrCodeInvalidRuntimeOption = "ACP_INVALID_RUNTIME_OPTION"

	// ErrCodeDispatchDisabled indicates policy blocks ACP dispatch despite an
	// ACP session being present.
	ErrCodeDispatchDisabled = "ACP_DISPATCH_DISABLED"
)

// NewAcpRuntimeError creates a new AcpRuntimeError.
func NewAcpRuntimeError(code, message string, err error) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewBackendMissingError creates an error for missing backend.
func NewBackendMissingError(backend string) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeBackendMissing,
		Message: fmt.Sprintf("ACP runtime backend '%s' is not configured", backend),
	}
}

// NewBackendUnavailableError creates an error for unavailable backend.
func NewBackendUnavailableError(backend string) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeBackendUnavailable,
		Message: fmt.Sprintf("ACP runtime backend '%s' is currently unavailable", backend),
	}
}

// NewSessionInitError creates an error for session initialization failure.
func NewSessionInitError(message string, err error) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeSessionInitFailed,
		Message: message,
		Err:     err,
	}
}

// NewSessionLimitError creates an error for the admission limit.
func NewSessionLimitError(current, max int) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeSessionInitFailed,
		Message: fmt.Sprintf("ACP max concurrent sessions reached (%d/%d)", current, max),
	}
}

// NewTurnError creates an error for turn execution failure.
func NewTurnError(message string, err error) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeTurnFailed,
		Message: message,
		Err:     err,
	}
}

// NewUnsupportedControlError creates an error for unsupported control operations.
func NewUnsupportedControlError(backend string, control AcpRuntimeControl) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeBackendUnsupportedControl,
		Message: fmt.Sprintf("ACP runtime backend '%s' does not support control '%s'", backend, control),
	}
}

// NewInvalidRuntimeOptionError creates an error for a rejected runtime option.
func NewInvalidRuntimeOptionError(message string) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeInvalidRuntimeOption,
		Message: message,
	}
}

// NewDispatchDisabledError creates an error for policy-blocked ACP dispatch.
func NewDispatchDisabledError(message string) *AcpRuntimeError {
	return &AcpRuntimeError{
		Code:    ErrCodeDispatchDisabled,
		Message: message,
	}
}

// IsAcpRuntimeError checks if an error is an AcpRuntimeError.
func IsAcpRuntimeError(err error) bool {
	var acpErr *AcpRuntimeError
	return errors.As(err, &acpErr)
}

// GetAcpErrorCode extracts the error code from an error.
// Returns empty string if no AcpRuntimeError is found in the chain.
func GetAcpErrorCode(err error) string {
	var acpErr *AcpRuntimeError
	if errors.As(err, &acpErr) {
		return acpErr.Code
	}
	return ""
}

// NormalizeAcpErrorCode maps arbitrary backend codes onto the fixed set,
// defaulting unknown codes to ACP_TURN_FAILED.
func NormalizeAcpErrorCode(code string) string {
	switch code {
	case ErrCodeBackendMissing,
		ErrCodeBackendUnavailable,
		ErrCodeSessionInitFailed,
		ErrCodeTurnFailed,
		ErrCodeBackendUnsupportedControl,
		ErrCodeInvalidRuntimeOption,
		ErrCodeDispatchDisabled:
		return code
	default:
		return ErrCodeTurnFailed
	}
}
