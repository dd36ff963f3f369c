package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure in a bridge or relay operation.
// Callers branch on the code; the admin API maps codes to HTTP statuses.
type ErrorCode string

const (
	// ErrCodeAlreadyConnected indicates the bot account is already linked and active.
	ErrCodeAlreadyConnected ErrorCode = "ALREADY_CONNECTED"

	// ErrCodeAlreadyRunning indicates the user already has a live bridge.
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"

	// ErrCodeNotRunning indicates no live bridge exists for the user.
	ErrCodeNotRunning ErrorCode = "NOT_RUNNING"

	// ErrCodeNotFound indicates a channel record is missing or has no credential.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeNoActiveChannel indicates the user has no active channel to send through.
	ErrCodeNoActiveChannel ErrorCode = "NO_ACTIVE_CHANNEL"

	// ErrCodeAuthRejected indicates a client or admin token failed verification.
	ErrCodeAuthRejected ErrorCode = "AUTH_REJECTED"

	// ErrCodeExternalPlatform wraps any failure returned by the messaging platform.
	ErrCodeExternalPlatform ErrorCode = "EXTERNAL_PLATFORM_ERROR"

	// ErrCodeStore wraps any persistence failure.
	ErrCodeStore ErrorCode = "STORE_ERROR"

	// ErrCodeInvalidInput indicates malformed request data.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTimeout indicates an operation timed out
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeRateLimit indicates the platform throttled the request
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeConfig indicates a configuration error
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeUnavailable indicates the bridge is shutting down.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// ErrCodeInternal is returned by GetErrorCode for errors outside the taxonomy.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error carrying a code, a message, the underlying
// cause and optional debugging context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext adds contextual information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ContextPermanent marks an error that must not be retried even though its
// code is normally transient, such as a revoked bot token.
const ContextPermanent = "permanent"

// IsRetryable returns true if the error represents a transient failure.
func (e *Error) IsRetryable() bool {
	if permanent, _ := e.Context[ContextPermanent].(bool); permanent {
		return false
	}
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeExternalPlatform:
		return true
	default:
		return false
	}
}

func ErrAlreadyConnected(message string, err error) *Error {
	return NewError(ErrCodeAlreadyConnected, message, err)
}

func ErrAlreadyRunning(message string, err error) *Error {
	return NewError(ErrCodeAlreadyRunning, message, err)
}

func ErrNotRunning(message string, err error) *Error {
	return NewError(ErrCodeNotRunning, message, err)
}

func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

func ErrNoActiveChannel(message string, err error) *Error {
	return NewError(ErrCodeNoActiveChannel, message, err)
}

func ErrAuthRejected(message string, err error) *Error {
	return NewError(ErrCodeAuthRejected, message, err)
}

// ErrExternalPlatform wraps a failure from the messaging platform.
func ErrExternalPlatform(message string, err error) *Error {
	return NewError(ErrCodeExternalPlatform, message, err)
}

// ErrStore wraps a persistence failure.
func ErrStore(message string, err error) *Error {
	return NewError(ErrCodeStore, message, err)
}

func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}

// GetErrorCode extracts the ErrorCode from an error if it's a channel Error,
// otherwise returns ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetErrorCode(err) == code
}

// IsRetryable returns true if the error is a retryable channel Error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}

	return false
}
