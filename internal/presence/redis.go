// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout, shared with any other process pointing at the same Redis:
//
//	sse:connections:<client>   hash {tenant_id, connected_at, last_heartbeat}
//	sse:org:<tenant>:users     set of client IDs
//	sse:queue:<client>         list of pending messages, newest at head
const (
	connKeyPrefix   = "sse:connections:"
	tenantKeySuffix = ":users"
	tenantKeyPrefix = "sse:org:"
	queueKeyPrefix  = "sse:queue:"
)

const opTimeout = 2 * time.Second

// RedisStore is the Redis-backed coordination store.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisStore connects to Redis at the given URL and verifies the
// connection before returning.
func NewRedisStore(url string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("connected to coordination store")

	return &RedisStore{client: client, logger: logger, now: time.Now}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, now: time.Now}
}

func connKey(clientID string) string   { return connKeyPrefix + clientID }
func tenantKey(tenantID string) string { return tenantKeyPrefix + tenantID + tenantKeySuffix }
func queueKey(clientID string) string  { return queueKeyPrefix + clientID }

func (s *RedisStore) RegisterConnection(ctx context.Context, clientID, tenantID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now().UTC().Format(heartbeatFormat)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, connKey(clientID), map[string]any{
		"tenant_id":      tenantID,
		"connected_at":   now,
		"last_heartbeat": now,
	})
	pipe.Expire(ctx, connKey(clientID), ttl)
	pipe.SAdd(ctx, tenantKey(tenantID), clientID)
	pipe.Expire(ctx, tenantKey(tenantID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register connection %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) RemoveConnection(ctx context.Context, clientID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tenantID, err := s.client.HGet(ctx, connKey(clientID), "tenant_id").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup connection %s: %w", clientID, err)
	}

	pipe := s.client.Pipeline()
	pipe.SRem(ctx, tenantKey(tenantID), clientID)
	pipe.Del(ctx, connKey(clientID))
	if _, err := pipe.Exec(ctx); err != nil {
		return tenantID, fmt.Errorf("remove connection %s: %w", clientID, err)
	}
	return tenantID, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, clientID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := connKey(clientID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_heartbeat", s.now().UTC().Format(heartbeatFormat))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) TenantClients(ctx context.Context, tenantID string, cutoff time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := s.client.SMembers(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("members of tenant %s: %w", tenantID, err)
	}

	deadline := s.now().Add(-cutoff)
	live := make([]string, 0, len(members))
	for _, clientID := range members {
		hb, err := s.client.HGet(ctx, connKey(clientID), "last_heartbeat").Result()
		if err == nil {
			if t, perr := time.Parse(heartbeatFormat, hb); perr == nil && t.After(deadline) {
				live = append(live, clientID)
				continue
			}
		} else if err != redis.Nil {
			return nil, fmt.Errorf("heartbeat of %s: %w", clientID, err)
		}
		// missing record or stale heartbeat: prune from the set
		if err := s.client.SRem(ctx, tenantKey(tenantID), clientID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("prune stale member failed")
		}
	}
	return live, nil
}

func (s *RedisStore) PushQueued(ctx context.Context, clientID, msg string, maxLen int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := queueKey(clientID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, msg)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue message for %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) DrainQueued(ctx context.Context, clientID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := queueKey(clientID)
	msgs, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("drain queue for %s: %w", clientID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("clear queue for %s: %w", clientID, err)
	}
	// LPUSH stores newest at the head; reverse to oldest-first delivery order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *RedisStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
