package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Call lifecycle errors
	ErrCodeCallNotFound   ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallInProgress ErrorCode = "CALL_IN_PROGRESS"
	ErrCodeCallEnded      ErrorCode = "CALL_ENDED"

	// Media acquisition errors
	ErrCodeInsecureContext  ErrorCode = "INSECURE_CONTEXT"
	ErrCodeMicrophoneDenied ErrorCode = "MICROPHONE_PERMISSION_DENIED"
	ErrCodeCameraDenied     ErrorCode = "CAMERA_PERMISSION_DENIED"
	ErrCodeCameraBusy       ErrorCode = "CAMERA_BUSY"

	// Relay session errors
	ErrCodeIdentifierConflict ErrorCode = "IDENTIFIER_CONFLICT"
	ErrCodeTeardownRace       ErrorCode = "TEARDOWN_RACE"
	ErrCodeJoinFailed         ErrorCode = "JOIN_FAILED"

	// Signaling errors
	ErrCodeSignalingReadMiss ErrorCode = "SIGNALING_READ_MISS"

	// Credential errors
	ErrCodeCredentialUnavailable ErrorCode = "CREDENTIAL_UNAVAILABLE"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// AppError represents a structured application error with code, message
// and an optional wrapped cause
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns ErrCodeInternal for non-AppError values and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Call lifecycle errors
func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

func CallInProgressError() *AppError {
	return New(ErrCodeCallInProgress, "Another call is already in progress")
}

func CallEndedError() *AppError {
	return New(ErrCodeCallEnded, "Call has already ended")
}

// Media acquisition errors
func InsecureContextError(origin string) *AppError {
	return New(ErrCodeInsecureContext, fmt.Sprintf("Refusing media acquisition over insecure transport: %s", origin))
}

func MicrophoneDeniedError(err error) *AppError {
	return Wrap(ErrCodeMicrophoneDenied, "Microphone access denied", err)
}

func CameraDeniedError(err error) *AppError {
	return Wrap(ErrCodeCameraDenied, "Camera access denied", err)
}

func CameraBusyError(err error) *AppError {
	return Wrap(ErrCodeCameraBusy, "Camera is in use by another application", err)
}

// Relay session errors
func IdentifierConflictError(numericID uint32) *AppError {
	return New(ErrCodeIdentifierConflict, fmt.Sprintf("Relay session identifier %d already in use", numericID))
}

func TeardownRaceError() *AppError {
	return New(ErrCodeTeardownRace, "Join aborted because the session was concurrently left")
}

func JoinFailedError(err error) *AppError {
	return Wrap(ErrCodeJoinFailed, "Failed to join media relay session", err)
}

// Signaling errors
func SignalingReadMissError(messageID string) *AppError {
	return New(ErrCodeSignalingReadMiss, fmt.Sprintf("Signaling message %s not yet visible", messageID))
}

// Credential errors
func CredentialUnavailableError(err error) *AppError {
	return Wrap(ErrCodeCredentialUnavailable, "Credential service returned no usable credential", err)
}

// Internal errors
func InternalError(message string, err error) *AppError {
	return Wrap(ErrCodeInternal, message, err)
}

func DatabaseError(message string, err error) *AppError {
	return Wrap(ErrCodeDatabase, message, err)
}

func StorageError(message string, err error) *AppError {
	return Wrap(ErrCodeStorage, message, err)
}
