package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps a Redis client with degraded-mode tracking. When Redis
// is unreachable the signaling hot path keeps working; only the presence
// mirror, push tokens and token revocation degrade.
type RedisClient struct {
	Client *redis.Client

	degradedMu sync.RWMutex
	degraded   bool
}

// NewRedisDB creates the Redis client and pings it once. An unreachable
// Redis does not abort startup: the client begins in degraded mode and the
// health check clears it when Redis comes back.
func NewRedisDB(cfg *RedisConfig) *RedisClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	r := &RedisClient{Client: client}

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, continuing in degraded mode",
			zap.String("addr", addr), zap.Error(err))
		r.degraded = true
	}

	return r
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// IsDegraded reports whether the last health check failed
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	changed := r.degraded != degraded
	r.degraded = degraded
	r.degradedMu.Unlock()

	if changed {
		if degraded {
			logger.Warn("Redis entering degraded mode")
		} else {
			logger.Info("Redis recovered from degraded mode")
		}
	}
}

// StartHealthCheck pings Redis on the given interval until ctx is done,
// flipping degraded mode on failures.
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.Client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				logger.Debug("Redis health check failed", zap.Error(err))
			}
			r.setDegraded(err != nil)
		}
	}
}
