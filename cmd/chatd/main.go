package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ridechat/internal/chat"
	"ridechat/internal/config"
	handlers "ridechat/internal/handlers/shared"
	"ridechat/internal/middleware"
	"ridechat/internal/repositories/interfaces"
	"ridechat/internal/repositories/memory"
	mongorepo "ridechat/internal/repositories/mongodb"
	"ridechat/pkg/cache"
	"ridechat/pkg/database"
	"ridechat/pkg/logger"
	"ridechat/pkg/push"
	"ridechat/pkg/transport"
	"ridechat/routes"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(&logger.Config{
		Level:  logger.LogLevel(cfg.App.LogLevel),
		Format: cfg.App.LogFormat,
		Output: "stdout",
		Colors: cfg.App.Debug,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Storage layer
	repo, cleanup, err := buildRepository(cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer cleanup()

	// Transport layer
	tp := buildTransport(cfg)

	// Notification sink (optional)
	sink, settings := buildNotifications(cfg, appLogger)

	localUserID := localUser()

	chatService := chat.NewService(cfg.Chat, repo, tp, sink, settings, localUserID, appLogger)
	if err := chatService.Start(context.Background()); err != nil {
		appLogger.WithError(err).Fatal("Failed to start chat orchestrator")
	}

	// Initialize handlers
	chatHandler := handlers.NewChatHandler(chatService)

	// Initialize Gin router
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(appLogger))

	// API routes
	v1 := router.Group("/api/v1")
	{
		routes.SetupChatRoutes(v1, chatHandler, cfg.Security.JWTSecret)
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		state, _ := chatService.ConnectionStates().Get()
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"version":    cfg.App.Version,
			"connection": state.Status,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithField("port", cfg.App.Port).Info("Starting chat server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server shutdown failed")
	}
	if err := chatService.Close(); err != nil {
		appLogger.WithError(err).Error("Chat orchestrator shutdown failed")
	}
}

func buildRepository(cfg *config.Config, appLogger *logger.Logger) (interfaces.ChatRepository, func(), error) {
	switch cfg.Database.Driver {
	case "mongodb":
		db, err := database.NewMongoDB(&database.DatabaseConfig{
			URI:            cfg.Database.URI,
			Database:       cfg.Database.Database,
			MaxPoolSize:    cfg.Database.MaxPoolSize,
			MinPoolSize:    cfg.Database.MinPoolSize,
			ConnectTimeout: cfg.Database.ConnectTimeout,
			SocketTimeout:  cfg.Database.SocketTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}

		var repoCache interfaces.Cache
		if redisCache := buildCache(cfg, appLogger); redisCache != nil {
			repoCache = redisCache
		}

		repo := mongorepo.NewChatRepository(db.Database, repoCache)
		if err := mongorepo.EnsureIndexes(context.Background(), db.Database); err != nil {
			appLogger.WithError(err).Warn("Failed to ensure indexes")
		}
		return repo, func() { db.Close() }, nil

	case "memory":
		return memory.NewChatRepository(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildCache(cfg *config.Config, appLogger *logger.Logger) *cache.RedisCache {
	redisCache, err := cache.NewRedisCache(&cache.RedisConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		IdleTimeout:  cfg.Redis.IdleTimeout,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		appLogger.WithError(err).Warn("Redis unavailable, caching disabled")
		return nil
	}
	return redisCache
}

func buildTransport(cfg *config.Config) transport.Transport {
	policy := transport.ReconnectPolicy{
		MaxAttempts:        cfg.Transport.ReconnectMaxAttempts,
		Delay:              cfg.Transport.ReconnectDelay,
		FailureProbability: cfg.Transport.ReconnectFailureProbability,
	}

	if cfg.Transport.Driver == "websocket" {
		return transport.NewWebsocketTransport(transport.WebsocketConfig{
			URL:              cfg.Transport.URL,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			Reconnect:        policy,
		})
	}

	return transport.NewSimulatedTransport(transport.SimulatedConfig{
		LatencyMin:            cfg.Transport.LatencyMin,
		LatencyMax:            cfg.Transport.LatencyMax,
		LossProbability:       cfg.Transport.LossProbability,
		DisconnectProbability: cfg.Transport.DisconnectProbability,
		HealthCheckInterval:   cfg.Transport.HealthCheckInterval,
		Reconnect:             policy,
		DeliveryAcks:          true,
		ReadAcks:              true,
		Seed:                  cfg.Transport.Seed,
	})
}

// buildNotifications wires the push sink for the configured provider.
// Without a provider the orchestrator runs silent.
func buildNotifications(cfg *config.Config, appLogger *logger.Logger) (chat.NotificationSink, chat.Settings) {
	var provider push.Provider
	var err error

	switch cfg.Push.Provider {
	case "fcm":
		provider, err = push.NewFCMProvider(cfg.Push.FCM.Credentials)
	case "apns":
		provider, err = push.NewAPNSProvider(
			cfg.Push.APNS.KeyFile,
			cfg.Push.APNS.KeyID,
			cfg.Push.APNS.TeamID,
			cfg.Push.APNS.BundleID,
			cfg.Push.APNS.Production,
		)
	default:
		return nil, nil
	}
	if err != nil {
		appLogger.WithError(err).Warn("Push provider unavailable, notifications disabled")
		return nil, nil
	}

	redisCache := buildCache(cfg, appLogger)
	if redisCache == nil {
		return nil, nil
	}

	sink := chat.NewProviderSink(provider, chat.NewRedisDeviceTokens(redisCache), appLogger)
	return sink, chat.NewRedisSettings(redisCache)
}

func localUser() primitive.ObjectID {
	if hex := os.Getenv("CHAT_LOCAL_USER_ID"); hex != "" {
		if id, err := primitive.ObjectIDFromHex(hex); err == nil {
			return id
		}
	}
	return primitive.NewObjectID()
}
