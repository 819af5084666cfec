package continuity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const draftKeyPrefix = "pending_draft:"

// RedisStore keeps pending drafts in Redis with a TTL matching the staleness
// window, so abandoned drafts age out server-side even if no client ever
// comes back to clear them.
type RedisStore struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultStaleness
	}
	return &RedisStore{
		redis:  redisClient,
		tracer: otel.Tracer("aitherapy.internal.continuity.redis_store"),
		ttl:    ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.redis == nil {
		return "", false, nil
	}
	if key == "" {
		return "", false, errors.New("continuity: draft key required")
	}

	ctx, span := s.tracer.Start(ctx, "continuity.draft_store.get")
	defer span.End()

	val, err := s.redis.Get(ctx, draftKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		span.RecordError(err)
		return "", false, fmt.Errorf("continuity: get draft: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if key == "" {
		return errors.New("continuity: draft key required")
	}

	ctx, span := s.tracer.Start(ctx, "continuity.draft_store.set")
	defer span.End()

	if err := s.redis.Set(ctx, draftKey(key), value, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("continuity: set draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if key == "" {
		return errors.New("continuity: draft key required")
	}

	ctx, span := s.tracer.Start(ctx, "continuity.draft_store.remove")
	defer span.End()

	if err := s.redis.Del(ctx, draftKey(key)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("continuity: remove draft: %w", err)
	}
	return nil
}

// SupportsSynchronousWrite is true: the Set call round-trips to Redis before
// returning, so a draft written here survives an immediate navigation.
func (s *RedisStore) SupportsSynchronousWrite() bool { return true }

func draftKey(key string) string {
	return draftKeyPrefix + key
}
