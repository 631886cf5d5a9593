package ports

import (
	"context"
	"time"

	"instacast/internal/core/domain"
)

// HostRepository keeps the rendezvous server's host announcements.
type HostRepository interface {
	Announce(ctx context.Context, host *domain.HostAnnouncement, ttl time.Duration) error
	Touch(ctx context.Context, id domain.PeerID, ttl time.Duration) error
	Remove(ctx context.Context, id domain.PeerID) error
	GetByID(ctx context.Context, id domain.PeerID) (*domain.HostAnnouncement, error)
	List(ctx context.Context) ([]*domain.HostAnnouncement, error)
}
