package ports

import (
	"context"

	"instacast/internal/core/domain"
)

// MediaTrack is one live audio or video track, local or remote.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Codec() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Subscribe returns a channel of frames and a func that detaches it.
	Subscribe() (<-chan domain.Frame, func())
	Stop()
}

// LevelMeter is implemented by local audio tracks that can report a
// 0..100 input level.
type LevelMeter interface {
	Level() float64
}

type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	Stop()
}

// TracksOfKind filters a stream's tracks.
func TracksOfKind(s MediaStream, kind domain.TrackKind) []MediaTrack {
	if s == nil {
		return nil
	}
	var out []MediaTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// MediaCapture acquires local devices.
type MediaCapture interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) (MediaStream, error)
}
