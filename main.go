package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/lostfound/internal/auth"
	"github.com/example/lostfound/internal/config"
	"github.com/example/lostfound/internal/events"
	"github.com/example/lostfound/internal/grpcclient"
	"github.com/example/lostfound/internal/handlers"
	"github.com/example/lostfound/internal/imagefetch"
	"github.com/example/lostfound/internal/imageprocessor"
	"github.com/example/lostfound/internal/logging"
	"github.com/example/lostfound/internal/repository"
	"github.com/example/lostfound/internal/usecase"
	"github.com/example/lostfound/internal/vision"
	"github.com/example/lostfound/internal/vision/gemini"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	if err := repository.AutoMigrate(ctx, db); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	items := repository.NewItemRepository(db, logger)
	comparisonLogs := repository.NewComparisonRepository(db, logger)

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	provider, closeProvider := initVisionProvider(ctx, cfg, logger)
	defer closeProvider.Close()

	var publisher usecase.MatchPublisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer producer.Close()
		publisher = producer
	} else {
		logger.Info("KAFKA_BROKERS not set, match events disabled")
	}

	comparisons := usecase.NewComparisonUseCase(provider, usecase.NewRedisCache(redisClient), comparisonLogs, cfg.Redis.AnalysisTTL, logger)
	itemUC := usecase.NewItemUseCase(items, comparisons, publisher, usecase.MatchingOptions{
		MinScore:    cfg.Matching.MinScore,
		NotifyScore: cfg.Matching.NotifyScore,
	}, logger)

	r := gin.Default()
	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, comparisons, itemUC, authMiddleware)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	logger.Info("lost and found API listening", zap.String("addr", cfg.HTTP.Addr), zap.String("vision_backend", cfg.Vision.Backend))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// initVisionProvider builds the configured analysis backend. The returned
// closer releases its connection.
func initVisionProvider(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (vision.Provider, io.Closer) {
	switch cfg.Vision.Backend {
	case config.VisionBackendGRPC:
		provider, conn, err := grpcclient.DialVisionService(ctx, cfg.Vision.GRPCAddr, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to connect to vision service", zap.Error(err), zap.String("addr", cfg.Vision.GRPCAddr))
		}
		return provider, conn
	default:
		var fetchOpts []imagefetch.Option
		if cfg.Image.AllowPrivateNetworks {
			zapLogger.Warn("image fetcher allows private network addresses")
			fetchOpts = append(fetchOpts, imagefetch.AllowPrivateNetworks())
		}
		fetcher := imagefetch.New(cfg.Image.FetchTimeout, cfg.Image.MaxBytes, zapLogger, fetchOpts...)
		normalizer := imageprocessor.New(cfg.Image.MaxDimension)
		provider, err := gemini.NewProvider(ctx, cfg.Vision.GeminiAPIKey, cfg.Vision.GeminiModel, fetcher, normalizer, zapLogger)
		if err != nil {
			zapLogger.Fatal("failed to create gemini client", zap.Error(err))
		}
		return provider, nopCloser{}
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
