package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stay_booking/internal/config"
	"stay_booking/internal/handler"
	"stay_booking/internal/metrics"
	"stay_booking/internal/middleware"
	"stay_booking/internal/realtime"
	"stay_booking/internal/repository"
	"stay_booking/internal/service"
	"stay_booking/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Подключение к PostgreSQL
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Invalid database DSN", "error", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	broker, err := newBroker(cfg, rdb, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to start realtime broker", "error", err, "broker", cfg.Realtime.Broker)
	}
	defer broker.Close()
	appLogger.Info("Realtime broker ready", "broker", cfg.Realtime.Broker)

	appMetrics := metrics.New(prometheus.DefaultRegisterer)

	repos := repository.NewRepositories(dbPool, rdb, appLogger)
	services := service.NewServices(repos, broker, appMetrics, cfg, appLogger)

	checks := map[string]handler.HealthCheck{
		"database": dbPool.Ping,
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
	handlers := handler.NewHandlers(services.Messaging, cfg.CORS.AllowedOrigins, checks, appLogger)

	router := handler.NewRouter(handlers, handler.RouterDeps{
		Auth:      middleware.NewAuthMiddleware(cfg.JWT.Secret, cfg.JWT.Issuer, appLogger),
		RateLimit: middleware.NewRateLimitMiddleware(services.RateLimit, appLogger),
		Gatherer:  prometheus.DefaultGatherer,
		Log:       appLogger,
	})

	// Запуск HTTP сервера; WriteTimeout не касается websocket после апгрейда
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      middleware.CORS(cfg.CORS.AllowedOrigins).Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func newBroker(cfg *config.Config, rdb *redis.Client, log logger.Logger) (realtime.Broker, error) {
	switch cfg.Realtime.Broker {
	case config.BrokerNATS:
		return realtime.NewNATSBroker(cfg.NATS.URL, log)
	case config.BrokerMemory:
		return realtime.NewMemoryBroker(), nil
	default:
		return realtime.NewRedisBroker(rdb, log), nil
	}
}
