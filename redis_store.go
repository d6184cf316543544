package tokenx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached tokens between processes through Redis.
// Entries expire server-side with their token. Redis failures degrade to
// cache misses so the issuer mints locally instead of failing.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type redisEntry struct {
	Token     string    `json:"token"`
	NotBefore time.Time `json:"nbf"`
	NotAfter  time.Time `json:"exp"`
}

// NewRedisStore wraps client. The caller keeps ownership of the client.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, newError(ErrCodeInvalidArgument, errors.New("redis client is required"))
	}
	cfg.normalize()
	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

func (r *RedisStore) key(fingerprint string) string {
	return r.prefix + ":" + fingerprint
}

// Load implements Store.
func (r *RedisStore) Load(key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("token cache read failed", slog.String("key", shortKey(key)), slog.Any("error", err))
		}
		return Entry{}, false
	}
	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		r.logger.Warn("token cache entry malformed", slog.String("key", shortKey(key)), slog.Any("error", err))
		return Entry{}, false
	}
	return Entry{
		Token:  stored.Token,
		Window: Window{NotBefore: stored.NotBefore, NotAfter: stored.NotAfter},
	}, true
}

// Store implements Store.
func (r *RedisStore) Store(key string, entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ttl := entry.Window.NotAfter.Sub(r.now())
	if ttl <= 0 {
		if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
			r.logger.Warn("token cache delete failed", slog.String("key", shortKey(key)), slog.Any("error", err))
		}
		return
	}
	payload, err := json.Marshal(redisEntry{
		Token:     entry.Token,
		NotBefore: entry.Window.NotBefore,
		NotAfter:  entry.Window.NotAfter,
	})
	if err != nil {
		r.logger.Warn("token cache encode failed", slog.String("key", shortKey(key)), slog.Any("error", err))
		return
	}
	if err := r.client.Set(ctx, r.key(key), payload, ttl).Err(); err != nil {
		r.logger.Warn("token cache write failed", slog.String("key", shortKey(key)), slog.Any("error", err))
	}
}
