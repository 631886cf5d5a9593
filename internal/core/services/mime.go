package services

import (
	"instacast/internal/core/ports"
	apperrors "instacast/pkg/errors"
)

const (
	DefaultAudioMimeType = "audio/webm"
	DefaultVideoMimeType = "video/webm"
)

// Candidates in preference order.
var (
	AudioMimeCandidates = []string{
		"audio/webm;codecs=opus",
		"audio/webm",
		"audio/mp4",
		"audio/ogg",
		"audio/wav",
	}
	VideoMimeCandidates = []string{
		"video/webm;codecs=vp8,opus",
		"video/webm;codecs=vp8",
		"video/webm",
	}
)

// ResolveMimeType picks the first candidate the engine supports. When none
// is supported it returns the default together with an UnsupportedFormat
// error the caller may treat as a warning.
func ResolveMimeType(engine ports.CaptureEngine, video bool) (string, error) {
	candidates, fallback := AudioMimeCandidates, DefaultAudioMimeType
	if video {
		candidates, fallback = VideoMimeCandidates, DefaultVideoMimeType
	}

	for _, mt := range candidates {
		if engine.IsTypeSupported(mt) {
			return mt, nil
		}
	}
	return fallback, apperrors.NewUnsupportedFormatError(fallback)
}
