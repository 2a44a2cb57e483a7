package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

const defaultRedisPrefix = "rtl433dp:console:"

// Redis stores values as plain keys with a native expiry, so several console
// replicas can share sessions.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, s Settings, log logger.LogManager) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credstore: ping redis %s: %w", s.Addr, err)
	}
	logger.OrNop(log).InfoF("credential store: redis at %s", s.Addr)
	return NewRedisWithClient(client, s.Prefix), nil
}

// NewRedisWithClient wraps an existing client. An empty prefix selects the default.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	return v, mapRedisErr(err)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Delete(ctx, key)
	}
	return mapRedisErr(r.client.Set(ctx, r.key(key), value, ttl).Err())
}

func (r *Redis) Take(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.GetDel(ctx, r.key(key)).Bytes()
	return v, mapRedisErr(err)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return mapRedisErr(r.client.Del(ctx, r.key(key)).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("credstore: redis: %w", err)
	}
}
