package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/pysugar/marketrelay/internal/backfill"
	"github.com/pysugar/marketrelay/internal/config"
	"github.com/pysugar/marketrelay/internal/notify"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// createHTTPServer creates the HTTP server instance. WriteTimeout stays unset
// for the event stream.
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// initializeRedisClient returns nil when no Redis address is configured.
func initializeRedisClient(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil //nolint:nilnil // Redis is optional
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	log.WithFields(logrus.Fields{"address": cfg.RedisAddr, "db": cfg.RedisDB}).Info("Redis client initialized")
	return client, nil
}

// addServerRunningJob adds the HTTP server running job
func addServerRunningJob(m *graceful.Manager, srv *http.Server, log logrus.FieldLogger) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Fatal("Failed to start server")
			}
		}()
		<-ctx.Done()
		return nil
	})
}

// addRelayRunningJob forwards Redis notifications into the local hub.
func addRelayRunningJob(m *graceful.Manager, publisher *notify.RedisPublisher, hub *notify.Hub, log logrus.FieldLogger) {
	if publisher == nil {
		return
	}
	m.AddRunningJob(func(ctx context.Context) error {
		if err := publisher.Relay(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("notification relay stopped")
			return err
		}
		return nil
	})
}

// addServerShutdownJob adds HTTP server shutdown handler
func addServerShutdownJob(m *graceful.Manager, srv *http.Server, log logrus.FieldLogger) {
	m.AddShutdownJob(func() error {
		log.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Server forced to shutdown")
			return err
		}
		log.Info("Server exited")
		return nil
	})
}

func addSchedulerShutdownJob(m *graceful.Manager, scheduler *backfill.Scheduler, log logrus.FieldLogger) {
	m.AddShutdownJob(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := scheduler.Stop(ctx); err != nil {
			log.WithError(err).Warn("Scheduler did not stop cleanly")
			return err
		}
		return nil
	})
}

func addPoolShutdownJob(m *graceful.Manager, pool *backfill.Pool, log logrus.FieldLogger) {
	m.AddShutdownJob(func() error {
		log.Info("Draining sync workers...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pool.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Sync workers did not drain")
			return err
		}
		return nil
	})
}

// addRedisClientShutdownJob adds Redis client shutdown handler
func addRedisClientShutdownJob(m *graceful.Manager, redisClient *redis.Client, log logrus.FieldLogger) {
	if redisClient == nil {
		return
	}
	m.AddShutdownJob(func() error {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("Error closing Redis client")
			return err
		}
		log.Info("Redis connection closed")
		return nil
	})
}
