package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitStore counts per-tenant requests in the current minute. This is
// the coarse tenant-facing guard; the upstream token budget is enforced
// separately by the admission controller.
type RateLimitStore interface {
	// IncrementRPM increments the request counter for the tenant and returns
	// the new value.
	IncrementRPM(ctx context.Context, tenantID string) (int64, error)
}

// RedisRateLimitStore keys counters by tenant and minute bucket, so the
// guard holds across proxy replicas sharing one Redis.
type RedisRateLimitStore struct {
	client *redis.Client
}

func NewRedisRateLimitStore(addr, password string) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func (s *RedisRateLimitStore) IncrementRPM(ctx context.Context, tenantID string) (int64, error) {
	key := fmt.Sprintf("rate_limit:rpm:%s:%d", tenantID, time.Now().Unix()/60)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	if count == 1 {
		s.client.Expire(ctx, key, 90*time.Second) // Expire after 90s to be safe
	}
	return count, nil
}
