package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"stay_booking/pkg/logger"
)

type Repositories struct {
	Conversation ConversationRepository
	Message      MessageRepository
	Profile      ProfileRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, log logger.Logger) *Repositories {
	repos := &Repositories{
		Conversation: NewConversationRepository(db, log),
		Message:      NewMessageRepository(db, log),
		Profile:      NewProfileRepository(db, log),
	}

	if redis != nil {
		repos.RateLimit = NewRateLimitRepository(redis, log)
	} else {
		log.Warn("Redis client is nil, message rate limiting disabled")
	}

	return repos
}
