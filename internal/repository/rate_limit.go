package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"stay_booking/pkg/logger"
)

type RateLimitRepository interface {
	// Increment увеличивает счетчик окна и возвращает его значение и время до сброса
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "key", key)
		return 0, 0, err
	}

	if count == 1 {
		if err := r.redis.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit window", "error", err, "key", key)
		}
		return count, window, nil
	}

	ttl, err := r.redis.TTL(ctx, key).Result()
	if err != nil {
		r.log.Warn("Failed to read rate limit window", "error", err, "key", key)
		return count, window, nil
	}
	if ttl < 0 {
		// ключ остался без срока (сбой после INCR) - выставляем заново
		r.redis.Expire(ctx, key, window)
		ttl = window
	}
	return count, ttl, nil
}
