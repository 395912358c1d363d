package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces locator keys in a shared Redis.
const DefaultKeyPrefix = "mcpedge:"

// RedisLocator is a Locator backed by Redis so that several nodes can route
// requests to whichever one holds a session.
type RedisLocator struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisConfig configures NewRedisLocator.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisLocator connects to Redis and verifies the connection.
func NewRedisLocator(ctx context.Context, cfg RedisConfig) (*RedisLocator, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisLocatorWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisLocatorWithClient wraps an existing client. Used with miniredis in tests.
func NewRedisLocatorWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLocator {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisLocator{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (l *RedisLocator) key(id string) string {
	return l.keyPrefix + "session:" + id
}

// claimScript sets the owner if the key is free or already ours.
// Returns 1 when claimed, 0 when another owner holds the key.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Claim implements Locator.
func (l *RedisLocator) Claim(ctx context.Context, id, owner string) error {
	ok, err := claimScript.Run(ctx, l.client, []string{l.key(id)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to claim session %s: %w", id, err)
	}
	if ok == 0 {
		return fmt.Errorf("claim %s: %w", id, ErrClaimedElsewhere)
	}
	return nil
}

// Lookup implements Locator.
func (l *RedisLocator) Lookup(ctx context.Context, id string) (string, error) {
	owner, err := l.client.Get(ctx, l.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("failed to look up session %s: %w", id, err)
	}
	return owner, nil
}

// Refresh implements Locator.
func (l *RedisLocator) Refresh(ctx context.Context, id string) error {
	if l.ttl <= 0 {
		n, err := l.client.Exists(ctx, l.key(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to refresh session %s: %w", id, err)
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	}

	ok, err := l.client.PExpire(ctx, l.key(id), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh session %s: %w", id, err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Release implements Locator.
func (l *RedisLocator) Release(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, l.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to release session %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying client.
func (l *RedisLocator) Close() error {
	return l.client.Close()
}
