package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/database"
	"carelink-backend/internal/domain"
	"carelink-backend/internal/handler/http/availability"
	wsHandler "carelink-backend/internal/handler/ws"
	"carelink-backend/internal/middleware"
	"carelink-backend/internal/presence"
	postgresRepo "carelink-backend/internal/repository/postgres"
	redisRepo "carelink-backend/internal/repository/redis"
	callService "carelink-backend/internal/service/call"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/env"
	"carelink-backend/pkg/jwt"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
	"carelink-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	ctx := context.Background()
	productionMode := os.Getenv("ENV") == "production"

	// 1. JWT manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, env.GetDuration("JWT_ACCESS_TOKEN_TTL", 15*time.Minute))

	// 2. PostgreSQL for appointment persistence, with exponential backoff.
	// The signaling hot path works without it; finished calls just are not
	// recorded against appointments.
	dbConfig := &database.PostgresConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 5432),
		User:     env.GetString("DB_USER", "carelink"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "carelink"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	db := connectPostgres(ctx, dbConfig)
	var appointmentRepo callService.AppointmentStore
	if db != nil {
		defer db.Close()
		appointmentRepo = postgresRepo.NewAppointmentRepository(db.Pool)
	} else {
		logger.Warn("Running without appointment persistence")
		appointmentRepo = noopAppointmentStore{}
	}

	// 3. Redis for the presence mirror, push tokens and token revocation
	redisConfig := &database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       env.GetInt("REDIS_DB", 0),
		PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		Timeout:  5 * time.Second,
	}

	redisDB := database.NewRedisDB(redisConfig)
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. Push notifications
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)
	pushSvc := push.NewService(selectPushProvider(ctx, productionMode), pushTokenRepo)

	// 5. Metrics
	appMetrics := metrics.NewMetrics("signaling-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 6. Signaling core: registry, hub and call service
	registry := presence.NewRegistry()
	hub := wsHandler.NewSignalingHub(appMetrics)
	presenceMirror := redisRepo.NewPresenceRepository(redisDB)
	svc := callService.NewService(registry, hub, appointmentRepo, presenceMirror, pushSvc, appMetrics)
	hub.SetService(svc)

	// 7. Router
	if !env.GetBool("GIN_DEBUG", false) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     "signaling-service",
			"connections": hub.ConnectionCount(),
			"time":        time.Now().UTC(),
		})
	})

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	v1 := router.Group("/v1/signaling")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/ws", hub.ServeWS)
		availability.NewHandler(presenceMirror).RegisterRoutes(v1)
	}

	// 8. Serve with graceful shutdown
	port := env.GetString("PORT", "8084")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.String("port", port),
			zap.String("ws_endpoint", "/v1/signaling/ws"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
}

// connectPostgres retries the initial connection with exponential backoff
// and returns nil when the database stays unreachable.
func connectPostgres(ctx context.Context, cfg *database.PostgresConfig) *database.PostgresDB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewPostgresDB(ctx, cfg)
	if err == nil {
		logger.Info("Connected to PostgreSQL")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("PostgreSQL connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = database.NewPostgresDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to PostgreSQL",
				zap.Int("attempt", attempt))
			return db
		}
	}

	logger.Warn("PostgreSQL unreachable",
		zap.Int("attempts", maxRetries),
		zap.Error(err))
	return nil
}

// selectPushProvider picks the provider from PUSH_PROVIDER. Production
// refuses to run on the mock.
func selectPushProvider(ctx context.Context, productionMode bool) push.Provider {
	providerType := env.GetString("PUSH_PROVIDER", "mock")

	switch providerType {
	case "fcm":
		cfg := &push.FCMConfig{
			CredentialsPath: env.GetString("FCM_CREDENTIALS_FILE", ""),
			ProjectID:       env.GetStringFromFile("FCM_PROJECT_ID", ""),
		}
		provider, err := push.NewFCMProvider(ctx, cfg)
		if err != nil {
			if productionMode {
				logger.Fatal("FCM provider required in production", zap.Error(err))
			}
			logger.Warn("FCM init failed, falling back to mock provider", zap.Error(err))
			return &push.MockProvider{}
		}
		logger.Info("Using FCM push provider",
			zap.String("project_id", cfg.ProjectID))
		return provider
	case "mock", "":
		if productionMode {
			logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
		}
		logger.Info("Using mock push provider")
		return &push.MockProvider{}
	default:
		logger.Warn("Unknown push provider, falling back to mock",
			zap.String("provider", providerType))
		return &push.MockProvider{}
	}
}

// noopAppointmentStore stands in when PostgreSQL is unavailable.
type noopAppointmentStore struct{}

func (noopAppointmentStore) FindLatestConfirmed(ctx context.Context, participantA, participantB uuid.UUID) (*domain.Appointment, error) {
	return nil, nil
}

func (noopAppointmentStore) MarkVideoCall(ctx context.Context, appointmentID uuid.UUID, durationSeconds int) error {
	return nil
}
