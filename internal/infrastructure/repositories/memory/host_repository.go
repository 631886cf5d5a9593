package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/pkg/utils"
)

type hostRecord struct {
	host      domain.HostAnnouncement
	expiresAt time.Time
}

type MemoryHostRepository struct {
	hosts map[domain.PeerID]*hostRecord
	mu    sync.RWMutex
}

func NewMemoryHostRepository() ports.HostRepository {
	return &MemoryHostRepository{
		hosts: make(map[domain.PeerID]*hostRecord),
	}
}

func (r *MemoryHostRepository) Announce(ctx context.Context, host *domain.HostAnnouncement, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := utils.Now()
	if existing, ok := r.hosts[host.ID]; ok && now.Before(existing.expiresAt) {
		// keep the original announcement time across re-announces
		host.AnnouncedAt = existing.host.AnnouncedAt
	}
	if host.AnnouncedAt.IsZero() {
		host.AnnouncedAt = now
	}
	host.LastSeen = now

	r.hosts[host.ID] = &hostRecord{host: *host, expiresAt: now.Add(ttl)}
	return nil
}

func (r *MemoryHostRepository) Touch(ctx context.Context, id domain.PeerID, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := utils.Now()
	rec, ok := r.hosts[id]
	if !ok || !now.Before(rec.expiresAt) {
		delete(r.hosts, id)
		return domain.ErrHostNotFound
	}
	rec.host.LastSeen = now
	rec.expiresAt = now.Add(ttl)
	return nil
}

func (r *MemoryHostRepository) Remove(ctx context.Context, id domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[id]; !ok {
		return domain.ErrHostNotFound
	}
	delete(r.hosts, id)
	return nil
}

func (r *MemoryHostRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.HostAnnouncement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.hosts[id]
	if !ok || !utils.Now().Before(rec.expiresAt) {
		return nil, domain.ErrHostNotFound
	}
	host := rec.host
	return &host, nil
}

// List returns live announcements, oldest first. Expired entries are pruned.
func (r *MemoryHostRepository) List(ctx context.Context) ([]*domain.HostAnnouncement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := utils.Now()
	out := make([]*domain.HostAnnouncement, 0, len(r.hosts))
	for id, rec := range r.hosts {
		if !now.Before(rec.expiresAt) {
			delete(r.hosts, id)
			continue
		}
		host := rec.host
		out = append(out, &host)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AnnouncedAt.Equal(out[j].AnnouncedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AnnouncedAt.Before(out[j].AnnouncedAt)
	})
	return out, nil
}
