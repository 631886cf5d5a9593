package domain

import (
	"errors"
	"net/http"

	apperrors "instacast/pkg/errors"
)

// Error kinds surfaced by session and recording operations. Compare with
// errors.Is; wrapped AppErrors match by code.
var (
	ErrMediaAccessDenied = apperrors.NewAppError(apperrors.ErrCodeMediaAccessDenied, "local media could not be acquired", http.StatusForbidden)
	ErrTransportInit     = apperrors.NewAppError(apperrors.ErrCodeTransportInit, "peer transport could not be initialized", http.StatusServiceUnavailable)
	ErrConnection        = apperrors.NewAppError(apperrors.ErrCodeConnection, "connection failed", http.StatusBadGateway)
	ErrNoLocalStream     = apperrors.NewAppError(apperrors.ErrCodeNoLocalStream, "no local stream captured", http.StatusConflict)
	ErrUnsupportedFormat = apperrors.NewAppError(apperrors.ErrCodeUnsupportedFormat, "no supported capture format", http.StatusUnprocessableEntity)
)

var (
	ErrRecordingInProgress = errors.New("recording already in progress")
	ErrRecordingFinished   = errors.New("recording already assembled")
	ErrGuestNotFound       = errors.New("guest not found")
	ErrHostNotFound        = errors.New("host not found")
	ErrNotHost             = errors.New("operation requires host role")
	ErrNotConnected        = errors.New("not connected")
	ErrNoDevice            = errors.New("no capture device")
	ErrPeerIDTaken         = errors.New("peer id already registered")
	ErrTransportClosed     = errors.New("transport closed")
	ErrUnknownControl      = errors.New("unknown control message")
	ErrMalformedControl    = errors.New("malformed control message")
)
