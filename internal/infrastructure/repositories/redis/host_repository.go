package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	hostKeyPrefix = "instacast:host:"
	hostIndexKey  = "instacast:hosts"
)

// RedisHostRepository stores each announcement under its own key with a TTL
// and keeps a set of announced ids. Ids whose key has expired are pruned from
// the set when listed.
type RedisHostRepository struct {
	client *redis.Client
}

func NewRedisHostRepository(client *redis.Client) ports.HostRepository {
	return &RedisHostRepository{client: client}
}

func hostKey(id domain.PeerID) string {
	return hostKeyPrefix + string(id)
}

func (r *RedisHostRepository) Announce(ctx context.Context, host *domain.HostAnnouncement, ttl time.Duration) error {
	now := utils.Now()
	if existing, err := r.GetByID(ctx, host.ID); err == nil {
		host.AnnouncedAt = existing.AnnouncedAt
	}
	if host.AnnouncedAt.IsZero() {
		host.AnnouncedAt = now
	}
	host.LastSeen = now

	data, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("failed to marshal host: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, hostKey(host.ID), data, ttl)
	pipe.SAdd(ctx, hostIndexKey, string(host.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to announce host in Redis: %w", err)
	}
	return nil
}

func (r *RedisHostRepository) Touch(ctx context.Context, id domain.PeerID, ttl time.Duration) error {
	host, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	host.LastSeen = utils.Now()

	data, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("failed to marshal host: %w", err)
	}
	// XX: only refresh a key that still exists
	ok, err := r.client.SetXX(ctx, hostKey(id), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to touch host in Redis: %w", err)
	}
	if !ok {
		return domain.ErrHostNotFound
	}
	return nil
}

func (r *RedisHostRepository) Remove(ctx context.Context, id domain.PeerID) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, hostKey(id))
	pipe.SRem(ctx, hostIndexKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove host from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrHostNotFound
	}
	return nil
}

func (r *RedisHostRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.HostAnnouncement, error) {
	data, err := r.client.Get(ctx, hostKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host from Redis: %w", err)
	}

	var host domain.HostAnnouncement
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host: %w", err)
	}
	return &host, nil
}

func (r *RedisHostRepository) List(ctx context.Context) ([]*domain.HostAnnouncement, error) {
	ids, err := r.client.SMembers(ctx, hostIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts from Redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = hostKey(domain.PeerID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load hosts from Redis: %w", err)
	}

	var stale []interface{}
	hosts := make([]*domain.HostAnnouncement, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var host domain.HostAnnouncement
		if err := json.Unmarshal([]byte(s), &host); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		hosts = append(hosts, &host)
	}

	if len(stale) > 0 {
		// best effort; a failed prune is retried on the next list
		r.client.SRem(ctx, hostIndexKey, stale...)
	}

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].AnnouncedAt.Equal(hosts[j].AnnouncedAt) {
			return hosts[i].ID < hosts[j].ID
		}
		return hosts[i].AnnouncedAt.Before(hosts[j].AnnouncedAt)
	})
	return hosts, nil
}
