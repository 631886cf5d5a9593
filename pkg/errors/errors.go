package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeMediaAccessDenied   ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeTransportInit       ErrorCode = "TRANSPORT_INIT_ERROR"
	ErrCodeConnection          ErrorCode = "CONNECTION_ERROR"
	ErrCodeNoLocalStream       ErrorCode = "NO_LOCAL_STREAM"
	ErrCodeUnsupportedFormat   ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeRecordingInProgress ErrorCode = "RECORDING_IN_PROGRESS"
	ErrCodeRoleMismatch        ErrorCode = "ROLE_MISMATCH"
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so callers can compare against
// sentinel values without caring about message or cause.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Session error constructors

func NewMediaAccessDeniedError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAccessDenied, "local media could not be acquired", http.StatusForbidden)
}

func NewTransportInitError(cause error) *AppError {
	return WrapError(cause, ErrCodeTransportInit, "peer transport could not be initialized", http.StatusServiceUnavailable)
}

func NewConnectionError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeConnection, "connection failed", http.StatusBadGateway).
		WithContext("peer_id", peerID)
}

func NewNoLocalStreamError() *AppError {
	return NewAppError(ErrCodeNoLocalStream, "no local stream captured", http.StatusConflict)
}

func NewUnsupportedFormatError(mimeType string) *AppError {
	return NewAppError(ErrCodeUnsupportedFormat, "no supported capture format", http.StatusUnprocessableEntity).
		WithContext("fallback", mimeType)
}

// HTTP error constructors

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	for appErr != nil {
		if appErr.Code == code {
			return true
		}
		appErr = GetAppError(appErr.Cause)
	}
	return false
}

// GetAppError extracts the outermost AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
