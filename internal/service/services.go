package service

import (
	"stay_booking/internal/config"
	"stay_booking/internal/metrics"
	"stay_booking/internal/realtime"
	"stay_booking/internal/repository"
	"stay_booking/pkg/logger"
)

type Services struct {
	Messaging MessagingService
	RateLimit RateLimitService
}

func NewServices(repos *repository.Repositories, broker realtime.Broker, m *metrics.Metrics, cfg *config.Config, log logger.Logger) *Services {
	return &Services{
		Messaging: NewMessagingService(repos.Conversation, repos.Message, repos.Profile, broker, m, log),
		RateLimit: NewRateLimitService(repos.RateLimit, cfg.RateLimit.Messages, cfg.RateLimit.Window, log),
	}
}
