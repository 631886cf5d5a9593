package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("permission denied")
	err := NewMediaAccessDeniedError(originalErr)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should reach the cause")
	}
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	sentinel := NewNoLocalStreamError()
	wrapped := fmt.Errorf("start recording: %w", NewNoLocalStreamError())

	if !errors.Is(wrapped, sentinel) {
		t.Errorf("expected wrapped error to match sentinel by code")
	}
	if errors.Is(wrapped, NewTransportInitError(nil)) {
		t.Errorf("did not expect match against a different code")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewConnectionError("abc123xyz", errors.New("ice failed"))
	err.WithContext("kind", "data")

	if err.Context["peer_id"] != "abc123xyz" {
		t.Errorf("Context[peer_id] = %v, want 'abc123xyz'", err.Context["peer_id"])
	}
	if err.Context["kind"] != "data" {
		t.Errorf("Context[kind] = %v, want 'data'", err.Context["kind"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewMediaAccessDeniedError(nil), ErrCodeMediaAccessDenied, 403},
		{NewTransportInitError(nil), ErrCodeTransportInit, 503},
		{NewConnectionError("p", nil), ErrCodeConnection, 502},
		{NewNoLocalStreamError(), ErrCodeNoLocalStream, 409},
		{NewUnsupportedFormatError("audio/webm"), ErrCodeUnsupportedFormat, 422},
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{NewNotFoundError("host"), ErrCodeNotFound, 404},
		{NewConflictError("taken"), ErrCodeConflict, 409},
		{NewRateLimitError(), ErrCodeRateLimit, 429},
		{NewInternalError("boom"), ErrCodeInternal, 500},
	}

	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %v, want %v", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}
}

func TestHasCode(t *testing.T) {
	inner := NewConnectionError("host", errors.New("dial"))
	outer := WrapError(inner, ErrCodeInternal, "join failed", 500)

	if !HasCode(outer, ErrCodeConnection) {
		t.Errorf("expected HasCode to find nested CONNECTION_ERROR")
	}
	if !HasCode(outer, ErrCodeInternal) {
		t.Errorf("expected HasCode to find outer INTERNAL_ERROR")
	}
	if HasCode(outer, ErrCodeNoLocalStream) {
		t.Errorf("did not expect NO_LOCAL_STREAM")
	}
	if HasCode(errors.New("plain"), ErrCodeInternal) {
		t.Errorf("plain errors carry no code")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("host")
	wrapped := fmt.Errorf("lookup: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if GetAppError(errors.New("regular error")) != nil {
		t.Errorf("GetAppError() should return nil for regular errors")
	}
	if GetAppError(nil) != nil {
		t.Errorf("GetAppError(nil) should return nil")
	}
}
