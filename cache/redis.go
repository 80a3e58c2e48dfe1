package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Versioned values are stored as a hash {v: version, d: data}.
var casScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "v")
local expected = tonumber(ARGV[1])
if cur == false then
  if expected ~= 0 then return 0 end
elseif tonumber(cur) ~= expected then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "v", ARGV[2], "d", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// OpTimeout bounds every store call. Zero disables the bound.
	OpTimeout time.Duration
}

// RedisStore is a Store shared by every instance of the service
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

// NewRedisStore connects to Redis
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreFromClient(client, opts.KeyPrefix, opts.OpTimeout), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, opTimeout: opTimeout}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Get returns the value stored at key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

// Set stores value at key for ttl
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Increment adds one to the counter at key
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	return n, nil
}

// GetVersioned returns the versioned value at key
func (s *RedisStore) GetVersioned(ctx context.Context, key string) (Versioned, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.key(key), "v", "d").Result()
	if err != nil {
		return Versioned{}, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Versioned{}, ErrNotFound
	}
	vs, ok := vals[0].(string)
	if !ok {
		return Versioned{}, errors.New("unexpected redis version value")
	}
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return Versioned{}, fmt.Errorf("invalid redis version: %w", err)
	}
	data, _ := vals[1].(string)
	return Versioned{Version: version, Data: []byte(data)}, nil
}

// CompareAndSwap replaces the value at key if its version equals expected
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected int64, next Versioned, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		expected, next.Version, next.Data, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return res == 1, nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
