package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"stay_booking/internal/middleware"
	"stay_booking/internal/service"
	"stay_booking/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(messaging service.MessagingService, allowedOrigins []string, checks map[string]HealthCheck, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(checks),
		Conversation: NewConversationHandler(messaging, log),
		WebSocket:    NewWebSocketHandler(messaging, allowedOrigins, log),
	}
}

// RouterDeps - то, что нужно роутеру помимо хендлеров
type RouterDeps struct {
	Auth      *middleware.AuthMiddleware
	RateLimit *middleware.RateLimitMiddleware
	Gatherer  prometheus.Gatherer // nil - без /metrics
	Log       logger.Logger
}

func NewRouter(handlers *Handlers, deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Log))
	router.Use(middleware.ErrorHandler())

	router.GET("/health", handlers.Health.Check)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(deps.Auth.RequireAuth())
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handlers.Conversation.List)
			conversations.POST("", handlers.Conversation.Start)
			conversations.GET("/:id/messages", handlers.Conversation.Messages)
			if deps.RateLimit != nil {
				conversations.POST("/:id/messages", deps.RateLimit.Limit("messages"), handlers.Conversation.Send)
			} else {
				conversations.POST("/:id/messages", handlers.Conversation.Send)
			}
			conversations.POST("/:id/read", handlers.Conversation.Read)
		}
	}

	router.GET("/ws/realtime", deps.Auth.RequireAuth(), handlers.WebSocket.HandleRealtime)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
