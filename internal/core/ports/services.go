package ports

import (
	"context"
	"time"

	"instacast/internal/core/domain"
)

// HostDirectory answers discovery queries.
type HostDirectory interface {
	ListHosts(ctx context.Context) ([]domain.HostInfo, error)
}

// SessionMetrics receives session and recording measurements.
type SessionMetrics interface {
	StatusChanged(role domain.Role, status domain.Status)
	GuestConnected()
	GuestDisconnected()
	ControlMessageSent()
	ControlMessageReceived()
	RecordingStarted(mimeType string, tracks int)
	RecordingStopped(duration time.Duration, size int)
	ChunkCaptured(size int)
	HostsDiscovered(count int)
}
