package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/config"
	h "github.com/Mart95Dev/glowloops-v4-sub002/internal/http"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/logger"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/metrics"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/poller"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/service"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	st, closeStorage, err := openStorage(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open cart storage", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer closeStorage()
	if cfg.Storage.Backend != config.BackendMemory && cfg.Storage.Breaker.Enabled {
		st = storage.NewBreakerStorage(st, storage.BreakerSettings{
			Name:             "cart-storage-" + cfg.Storage.Backend,
			FailureThreshold: cfg.Storage.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Storage.Breaker.OpenTimeout,
		}, zl)
	}
	zl.Info("cart storage ready", zap.String("backend", cfg.Storage.Backend))

	carts := service.NewCartService(st, service.Config{
		KeyPrefix:       cfg.Storage.KeyPrefix,
		IdleTTL:         cfg.Session.IdleTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
		PersistTimeout:  cfg.Storage.PersistTimeout,
	}, zl, m)
	carts.Start()
	defer carts.Stop()

	if cfg.Kafka.Enabled {
		p := poller.NewPoller(carts, zl.Named("poller"), cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		defer p.Close()
		go p.Run(ctx)
		zl.Info("session event poller started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	cartHandler := h.NewCartHandler(carts, cfg.HTTP.MaxBodySize)
	router := h.NewRouter(cartHandler, h.RouterConfig{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		SessionCookie:  cfg.Session.CookieName,
		SecureCookie:   cfg.Session.SecureCookie,
		Metrics:        m.Handler(),
	}, zl)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		zl.Info("cart store starting", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}

	zl.Info("server exited")
}

// openStorage builds the snapshot backend selected in config, plus a func
// releasing whatever connection it holds.
func openStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (storage.SnapshotStorage, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return storage.NewRedisStorage(client, cfg.Redis.TTL), func() { _ = client.Close() }, nil

	case config.BackendMongo:
		db, err := storage.ConnectMongoDB(ctx, storage.MongoSettings{
			URI:                    cfg.Mongo.URI,
			Database:               cfg.Mongo.Database,
			MaxPoolSize:            cfg.Mongo.MaxPoolSize,
			MinPoolSize:            cfg.Mongo.MinPoolSize,
			ConnectTimeout:         cfg.Mongo.ConnectTimeout,
			ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		st := storage.NewMongoStorage(db, cfg.Mongo.Collection)
		if err := st.CreateIndexes(ctx); err != nil {
			zl.Warn("failed to create mongo indexes", zap.Error(err))
		}
		return st, func() { _ = db.Client().Disconnect(context.Background()) }, nil

	case config.BackendPostgres:
		st, err := storage.NewPostgresStorage(storage.PostgresCredentials{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		go purgeLoop(ctx, st, cfg.Postgres.MaxAge, cfg.Postgres.PurgeInterval, zl)
		return st, func() { _ = st.Close() }, nil

	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

func purgeLoop(ctx context.Context, st *storage.PostgresStorage, maxAge, interval time.Duration, zl *zap.Logger) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpired(ctx, maxAge)
			if err != nil {
				zl.Warn("failed to purge expired snapshots", zap.Error(err))
				continue
			}
			if n > 0 {
				zl.Info("purged expired snapshots", zap.Int64("count", n))
			}
		}
	}
}
