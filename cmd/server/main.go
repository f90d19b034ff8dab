// Package main runs the live poll HTTP server with WebSocket rooms and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/questions"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/internal/store"
	"github.com/livepoll/backend/internal/worker"
	"github.com/livepoll/backend/pkg/database"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/redis"
	"github.com/livepoll/backend/pkg/response"
	"github.com/livepoll/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	db := store.New(pool)
	metrics := realtime.NewMetrics(prometheus.DefaultRegisterer)

	// Redis is optional: without it there is no results feed and failed stats writes are only logged.
	var (
		jobQueue *queue.Queue
		feed     *realtime.RedisPubSub
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Warn("redis disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			jobQueue = queue.NewQueue(rdb.Client, logger)
			feed = realtime.NewRedisPubSub(rdb.Client, logger)
		}
	}

	var s3Client *storage.S3
	if cfg.AWS.ResultsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Endpoint:             cfg.AWS.Endpoint,
			ResultsBucket:        cfg.AWS.ResultsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	// Interfaces must stay nil when the backing client is absent.
	var (
		hubFeed    realtime.FeedPublisher
		deadLetter realtime.DeadLetter
		eventFeed  polls.EventFeed
		archive    polls.Archiver
	)
	if feed != nil {
		hubFeed, eventFeed = feed, feed
	}
	if jobQueue != nil {
		deadLetter = jobQueue
	}
	if s3Client != nil {
		archive = s3Client
	}

	hub := realtime.NewHub(logger, hubFeed, metrics)
	manager := realtime.NewManager(realtime.Config{
		Store:          db,
		Hub:            hub,
		Metrics:        metrics,
		DeadLetter:     deadLetter,
		Audit:          db,
		Logger:         logger,
		PersistTimeout: cfg.Poll.PersistTimeout,
	})
	defer manager.Close()

	pollHandler := polls.NewHandler(db.Polls, db.Questions, manager, polls.Options{
		Audit:            db,
		Archive:          archive,
		Feed:             eventFeed,
		Logger:           logger,
		DefaultTimeLimit: cfg.Poll.DefaultTimeLimit,
	})
	questionHandler := questions.NewHandler(db.Questions, db.Polls)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", health(pool))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.Server.EnablePprof {
		pprof.Register(router, "/debug/pprof")
	}

	router.POST("/polls", pollHandler.Create)
	router.GET("/polls", pollHandler.List)
	router.GET("/polls/:id", pollHandler.GetByID)
	router.GET("/polls/:id/results", pollHandler.Results)
	router.POST("/polls/:id/end", pollHandler.End)
	router.POST("/polls/:id/kick", pollHandler.Kick)
	router.GET("/polls/:id/participants", pollHandler.Participants)
	router.GET("/polls/:id/events", pollHandler.Events)
	router.POST("/polls/:id/questions", questionHandler.Create)
	router.GET("/polls/:id/questions", questionHandler.ListByPoll)
	router.GET("/questions/:id/results", questionHandler.Results)

	router.GET("/ws", realtime.ServeWs(manager, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if jobQueue != nil && cfg.Worker.InProcess {
		processor := worker.NewStatsProcessor(db, jobQueue, cfg.Worker.PollInterval, logger)
		eg.Go(func() error { return processor.Run(egCtx) })
		logger.Info("stats worker started")
	}

	if err := eg.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func health(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
