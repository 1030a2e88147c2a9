// Package app wires the capacity core together and owns component
// lifecycles. Construction is explicit and ordered; Start and Stop walk
// the components in dependency order.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/seatpool/server/internal/module/coord"
	"github.com/seatpool/server/internal/module/dispatch"
	"github.com/seatpool/server/internal/module/invite"
	"github.com/seatpool/server/internal/module/membership"
	"github.com/seatpool/server/internal/module/pool"
	"github.com/seatpool/server/internal/module/reconcile"
	"github.com/seatpool/server/internal/module/throttle"
	"github.com/seatpool/server/internal/shared/cache"
	"github.com/seatpool/server/internal/shared/config"
	"github.com/seatpool/server/internal/shared/database"
	"github.com/seatpool/server/internal/shared/logger"
	"github.com/seatpool/server/internal/utils/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App is the assembled application.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *gorm.DB
	redis redis.UniversalClient

	bucket     *throttle.TokenBucket
	workers    *dispatch.Pool
	reconciler *reconcile.Reconciler
	server     *http.Server
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	m := metrics.New("seatpool")
	coordinator := coord.NewRedis(redisClient)
	queue := dispatch.NewRedisQueue(redisClient)

	repo := pool.NewRepository(db)
	ledger := pool.NewLedger(repo, cfg.Pool.PendingWindow)
	resv := pool.NewCoordinator(ledger, log)

	codeStore := throttle.NewCodeStore(db)
	bucket := throttle.NewTokenBucket(coordinator, codeStore, throttle.BucketConfig{
		WriteBackInterval: cfg.Throttle.WriteBackInterval,
		ShedRate:          cfg.Throttle.ShedRate,
		ShedBurst:         cfg.Throttle.ShedBurst,
	}, log)
	semaphore := throttle.NewSemaphore(coordinator, throttle.SemaphoreConfig{
		Limit:          int64(cfg.Throttle.SemaphoreLimit),
		TTL:            cfg.Throttle.SemaphoreTTL,
		AcquireTimeout: cfg.Throttle.AcquireTimeout,
	}, log)

	client := membership.NewHTTPClient(membership.Config{
		BaseURL: cfg.Membership.BaseURL,
		Token:   cfg.Membership.Token,
		Timeout: cfg.Membership.Timeout,
	}, log)

	workers := dispatch.NewPool(queue, repo, ledger, resv, client, bucket, m, dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		BatchSize: cfg.Dispatch.BatchSize,
		BatchWait: cfg.Dispatch.BatchWait,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxRetries,
			BaseDelay:   cfg.Dispatch.RetryBaseDelay,
			MaxDelay:    cfg.Dispatch.RetryMaxDelay,
		},
		LockRetries:      cfg.Dispatch.LockRetries,
		SerialRetryDelay: cfg.Dispatch.SerialRetryDelay,
		SoftTimeout:      cfg.Dispatch.SoftTimeout,
		HardTimeout:      cfg.Dispatch.HardTimeout,
	}, log)

	reconciler := reconcile.New(repo, ledger, queue, coordinator, codeStore, m, reconcile.Config{
		Interval: cfg.Reconciler.Interval,
		LockTTL:  cfg.Reconciler.LockTTL,
		MaxBatch: cfg.Reconciler.MaxBatch,
	}, log)
	workers.SetReconcileFunc(reconciler.Run)

	service := invite.NewService(repo, ledger, resv, queue, semaphore, bucket, client, m,
		invite.Config{
			LockRetries:    cfg.Dispatch.LockRetries,
			LockRetryDelay: cfg.Dispatch.SerialRetryDelay,
			SendTimeout:    cfg.Dispatch.SoftTimeout,
		}, log)
	handler := invite.NewHandler(service, log)

	router := newRouter(log)
	handler.Register(router.Group("/api/v1"))

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		db:         db,
		redis:      redisClient,
		bucket:     bucket,
		workers:    workers,
		reconciler: reconciler,
		server:     server,
	}, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Start brings the application up: background components first, then the
// HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.bucket.Start()
	if err := a.workers.Start(ctx); err != nil {
		return fmt.Errorf("start dispatch workers: %w", err)
	}
	a.reconciler.Start()

	go func() {
		a.logger.Info("http server listening", zap.String("address", a.cfg.Server.Address))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop tears the application down in reverse order. New work stops
// arriving first, then in-flight work drains, then connections close.
func (a *App) Stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}

	a.reconciler.Stop()
	a.workers.Stop()
	a.bucket.Stop()

	if err := cache.Close(a.redis); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}

	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// newRouter builds the gin engine with recovery, request logging, health
// and metrics endpoints.
func newRouter(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// requestLogger logs each request with its status and latency.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		c.Next()

		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}

// migrate creates or updates the schema.
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&pool.Team{},
		&pool.ConfirmedMember{},
		&pool.InviteRecord{},
		&pool.WaitingTask{},
		&throttle.RedemptionCode{},
	)
}
