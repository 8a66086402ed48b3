package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	heartbeatTTL  = 7 * 24 * time.Hour // passive heartbeat services report far less often than active probes
	statusCacheTTL = 2 * time.Minute
)

// Store is the Redis-backed side of the ingest pipeline: the passive
// heartbeat log the "heartbeat" probe strategy reads (via probe.HeartbeatLookup)
// and the public status-page cache the control plane's status endpoint serves.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// RecordHeartbeat timestamps a passive heartbeat ping for a heartbeat-type
// service, called from the control plane's public heartbeat webhook.
func (s *Store) RecordHeartbeat(ctx context.Context, serviceID string, at time.Time) error {
	key := heartbeatKey(serviceID)
	if err := s.rdb.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", serviceID, err)
	}
	return nil
}

// LastHeartbeat implements probe.HeartbeatLookup.
func (s *Store) LastHeartbeat(ctx context.Context, serviceID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, heartbeatKey(serviceID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("getting heartbeat for %s: %w", serviceID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing stored heartbeat: %w", err)
	}
	return t, true, nil
}

func heartbeatKey(serviceID string) string {
	return "ingest:heartbeat:" + serviceID
}

// StatusEntry is a single service's cached public status, serialized into
// the status-page cache and published to SSE subscribers.
type StatusEntry struct {
	ServiceID  string    `json:"service_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Snapshot   Snapshot  `json:"uptime"`
	LastCheck  time.Time `json:"last_check"`
}

// CacheStatus writes a service's latest status into the per-nest status-page
// cache, so a page load doesn't need to query Postgres on every hit.
func (s *Store) CacheStatus(ctx context.Context, nestSchema string, entry StatusEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling status entry: %w", err)
	}
	key := statusKey(nestSchema)
	if err := s.rdb.HSet(ctx, key, entry.ServiceID, payload).Err(); err != nil {
		return fmt.Errorf("caching status: %w", err)
	}
	s.rdb.Expire(ctx, key, statusCacheTTL)
	return nil
}

// PublishStatus fans a status update out to the nest's SSE subscribers via
// Redis pub/sub.
func (s *Store) PublishStatus(ctx context.Context, nestSchema string, entry StatusEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling status entry: %w", err)
	}
	if err := s.rdb.Publish(ctx, statusChannel(nestSchema), payload).Err(); err != nil {
		return fmt.Errorf("publishing status update: %w", err)
	}
	return nil
}

// CachedStatus returns every cached status entry for a nest, for the public
// status page's initial page load.
func (s *Store) CachedStatus(ctx context.Context, nestSchema string) ([]StatusEntry, error) {
	raw, err := s.rdb.HGetAll(ctx, statusKey(nestSchema)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading cached status: %w", err)
	}
	out := make([]StatusEntry, 0, len(raw))
	for _, v := range raw {
		var entry StatusEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Subscribe opens a Redis pub/sub subscription to a nest's status stream,
// for the control plane's SSE endpoint to relay to browser clients.
func (s *Store) Subscribe(ctx context.Context, nestSchema string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, statusChannel(nestSchema))
}

func statusKey(nestSchema string) string     { return "ingest:status:" + nestSchema }
func statusChannel(nestSchema string) string { return "ingest:status:stream:" + nestSchema }
