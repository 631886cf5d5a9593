package ports

import (
	"context"
	"time"

	"instacast/internal/core/domain"
)

type CaptureRequest struct {
	MimeType     string
	Tracks       []MediaTrack
	Interval     time.Duration
	AudioBitrate int
	// OnChunk is called in order, never concurrently, once per segment.
	OnChunk func(data []byte)
}

// CaptureEngine turns a fixed set of tracks into a chunked container stream.
type CaptureEngine interface {
	IsTypeSupported(mimeType string) bool
	Start(ctx context.Context, req CaptureRequest) (CaptureSession, error)
}

type CaptureSession interface {
	// Stop finalizes the container and returns after the last OnChunk call.
	Stop(ctx context.Context) error
}

// ArtifactStore persists finished recordings and returns their location.
type ArtifactStore interface {
	Save(ctx context.Context, artifact *domain.Artifact) (string, error)
}
