package content

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheClient is the subset of *redis.Client the cache needs.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// CachedStore is a read-through redis cache in front of another Store.
// Misses are not cached. Cache errors are logged and never fail a lookup.
type CachedStore struct {
	next   Store
	client cacheClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return newCachedStore(next, client, ttl, logger)
}

func newCachedStore(next Store, client cacheClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(id, tone, language string) string {
	return "content:" + id + ":" + tone + ":" + language
}

func indexKey(id string) string { return "content-keys:" + id }

func (s *CachedStore) Get(ctx context.Context, id, tone, language string) (*Content, error) {
	key := cacheKey(id, tone, language)
	data, err := s.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var c Content
		if jerr := json.Unmarshal([]byte(data), &c); jerr == nil {
			return &c, nil
		}
		s.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("content cache read failed", zap.String("key", key), zap.Error(err))
	}

	c, err := s.next.Get(ctx, id, tone, language)
	if err != nil || c == nil {
		return c, err
	}
	if payload, jerr := json.Marshal(c); jerr == nil {
		if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
			s.logger.Warn("content cache write failed", zap.String("key", key), zap.Error(err))
		} else {
			s.client.SAdd(ctx, indexKey(id), key)
		}
	}
	return c, nil
}

func (s *CachedStore) Exists(ctx context.Context, id, tone, language string) (bool, error) {
	c, err := s.Get(ctx, id, tone, language)
	return c != nil, err
}

func (s *CachedStore) ListByType(ctx context.Context, contentType, language string) ([]Content, error) {
	return s.next.ListByType(ctx, contentType, language)
}

func (s *CachedStore) CheckAvailability(ctx context.Context, ids []string, language, tone string) (Availability, error) {
	return checkAvailability(ctx, s, ids, language, tone)
}

// Upsert writes through and drops every cached lookup of the content id,
// since a new tone or language may change what the fallback chain resolves to.
func (s *CachedStore) Upsert(ctx context.Context, c Content) error {
	if err := s.next.Upsert(ctx, c); err != nil {
		return err
	}
	keys, err := s.client.SMembers(ctx, indexKey(c.ID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("content cache index read failed", zap.String("content_id", c.ID), zap.Error(err))
		return nil
	}
	keys = append(keys, indexKey(c.ID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("content cache invalidation failed", zap.String("content_id", c.ID), zap.Error(err))
	}
	return nil
}
