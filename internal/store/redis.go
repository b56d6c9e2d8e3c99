package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
)

// PresenceKey is the Redis set holding ids of users with a live connection.
const PresenceKey = "presence:online"

// RedisPresence mirrors presence transitions into a Redis set so tooling
// outside the process can inspect who is online. It is write-only from the
// core's point of view; routing never reads it.
type RedisPresence struct {
	client *goredis.Client
	key    string
}

// NewRedisPresence wraps an existing client.
func NewRedisPresence(client *goredis.Client) *RedisPresence {
	return &RedisPresence{client: client, key: PresenceKey}
}

// DialRedisPresence connects to addr and clears any stale presence set left
// by a previous process.
func DialRedisPresence(ctx context.Context, addr, password string, db int) (*RedisPresence, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	p := NewRedisPresence(client)
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reset presence set: %w", err)
	}
	return p, nil
}

func (p *RedisPresence) MarkOnline(ctx context.Context, userID string) error {
	return p.client.SAdd(ctx, p.key, userID).Err()
}

func (p *RedisPresence) MarkOffline(ctx context.Context, userID string) error {
	return p.client.SRem(ctx, p.key, userID).Err()
}

// Online returns the mirrored set, sorted.
func (p *RedisPresence) Online(ctx context.Context) ([]string, error) {
	ids, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}
