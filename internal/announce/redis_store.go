// Package announce records ChecklistCreated announcements in Redis so every
// API replica answers a repeated creation notice with the first event.
package announce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"checklist/api/internal/event"
)

const (
	keyPrefix  = "announce:"
	defaultTTL = 15 * time.Minute
)

type record struct {
	Event    event.Event `json:"event"`
	StoredAt time.Time   `json:"stored_at"`
}

// RedisStore keeps one record per checklist id until it expires.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: keyPrefix, owned: true}, nil
}

// NewRedisStoreWithClient shares an existing client. Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(checklistID string) string {
	return s.prefix + strings.TrimSpace(checklistID)
}

// Save stores ev for checklistID unless a record already exists. The first
// writer wins.
func (s *RedisStore) Save(ctx context.Context, checklistID string, ev event.Event, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload, err := json.Marshal(record{Event: ev, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := s.client.SetNX(ctx, s.key(checklistID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save announcement: %w", err)
	}
	return nil
}

// Lookup returns the stored event, or nil when none is recorded.
func (s *RedisStore) Lookup(ctx context.Context, checklistID string) (*event.Event, error) {
	raw, err := s.client.Get(ctx, s.key(checklistID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup announcement: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal announcement: %w", err)
	}
	return &rec.Event, nil
}

// Forget drops the record so the next notice publishes again.
func (s *RedisStore) Forget(ctx context.Context, checklistID string) error {
	if err := s.client.Del(ctx, s.key(checklistID)).Err(); err != nil {
		return fmt.Errorf("forget announcement: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
