package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YutoMise/call-system/internal/models"
)

const redisSessionPrefix = "callsystem:session:"

// RedisSessionStore persists sessions in Redis, letting the server TTL and
// multiple replicas handle expiry instead of the in-process purger.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

type redisSessionPayload struct {
	Scope     models.SessionScope `json:"scope"`
	CreatedAt time.Time           `json:"createdAt"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// NewRedisSessionStore opens a Redis-backed session store.
func NewRedisSessionStore(opts *redis.Options) (*RedisSessionStore, error) {
	if opts == nil {
		return nil, errors.New("redis session options required")
	}
	return &RedisSessionStore{
		client: redis.NewClient(opts),
		prefix: redisSessionPrefix,
	}, nil
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + token
}

// Save stores the session with a TTL matching its expiry time. Saving an
// already expired session deletes it instead.
func (s *RedisSessionStore) Save(token string, scope models.SessionScope, createdAt, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return s.Delete(token)
	}
	payload, err := json.Marshal(redisSessionPayload{Scope: scope, CreatedAt: createdAt, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(context.Background(), s.key(token), payload, ttl).Err()
}

// Get fetches the session details for the provided token.
func (s *RedisSessionStore) Get(token string) (SessionRecord, bool, error) {
	val, err := s.client.Get(context.Background(), s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	var payload redisSessionPayload
	if err := json.Unmarshal([]byte(val), &payload); err != nil {
		return SessionRecord{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return SessionRecord{
		Token:     token,
		Scope:     payload.Scope,
		CreatedAt: payload.CreatedAt,
		ExpiresAt: payload.ExpiresAt,
	}, true, nil
}

// Delete removes the session token.
func (s *RedisSessionStore) Delete(token string) error {
	return s.client.Del(context.Background(), s.key(token)).Err()
}

// PurgeExpired is a no-op: Redis evicts sessions through key TTLs.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Count scans the session keyspace and reports how many tokens are live.
func (s *RedisSessionStore) Count() (int, error) {
	ctx := context.Background()
	var cursor uint64
	total := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 512).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Ping verifies connectivity to the Redis server.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
