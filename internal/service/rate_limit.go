package service

import (
	"context"
	"time"

	"stay_booking/internal/repository"
	"stay_booking/pkg/logger"
)

type RateLimitService interface {
	// Allow засчитывает попытку по ключу. retryAfter имеет смысл только при allowed=false.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	limit         int
	window        time.Duration
	log           logger.Logger
}

// NewRateLimitService - фиксированное окно: не больше limit попыток за window.
// limit <= 0 или отсутствие хранилища отключают ограничение.
func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, limit int, window time.Duration, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		limit:         limit,
		window:        window,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if s.rateLimitRepo == nil || s.limit <= 0 {
		return true, 0, nil
	}

	count, ttl, err := s.rateLimitRepo.Increment(ctx, "rate_limit:"+key, s.window)
	if err != nil {
		return false, 0, err
	}
	if count > int64(s.limit) {
		s.log.Debug("Rate limit exceeded", "key", key, "count", count)
		return false, ttl, nil
	}
	return true, 0, nil
}
