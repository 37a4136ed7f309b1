package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents session error codes
type ErrorCode string

const (
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeNetwork           ErrorCode = "NETWORK_ERROR"
	ErrCodeProtocol          ErrorCode = "PROTOCOL_ERROR"
	ErrCodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeConnectionLimit   ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
	ErrCodeStrategyExhausted ErrorCode = "STRATEGY_EXHAUSTED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// SessionError represents a media session error with code and context
type SessionError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *SessionError) WithContext(key string, value interface{}) *SessionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new session error
func New(code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a session error
func Wrap(err error, code ErrorCode, message string) *SessionError {
	return &SessionError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// CodeOf extracts the session error code from err, walking the unwrap
// chain. Errors without a code report ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// Signature builds a compact identity for an error, used to key bounded
// recovery counters. The message part is truncated so that variable detail
// (peer addresses, timestamps) does not fragment the counter space.
func Signature(err error) string {
	if err == nil {
		return "nil"
	}
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	if len(msg) > 48 {
		msg = msg[:48]
	}
	return string(CodeOf(err)) + ":" + msg
}

// Common error constructors
func NewPermissionDeniedError(message string) *SessionError {
	return New(ErrCodePermissionDenied, message)
}

func NewDeviceUnavailableError(message string) *SessionError {
	return New(ErrCodeDeviceUnavailable, message)
}

func NewNetworkError(message string) *SessionError {
	return New(ErrCodeNetwork, message)
}

func NewProtocolError(message string) *SessionError {
	return New(ErrCodeProtocol, message)
}

func NewAuthRequiredError(message string) *SessionError {
	return New(ErrCodeAuthRequired, message)
}

func NewQuotaExceededError(message string) *SessionError {
	return New(ErrCodeQuotaExceeded, message)
}

func NewStrategyExhaustedError(message string) *SessionError {
	return New(ErrCodeStrategyExhausted, message)
}

func NewTimeoutError(message string) *SessionError {
	return New(ErrCodeTimeout, message)
}
