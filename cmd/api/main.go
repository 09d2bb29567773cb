package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/antaewoong/stayrender/internal/admission"
	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/database"
	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/middleware"
	"github.com/antaewoong/stayrender/internal/provider"
	"github.com/antaewoong/stayrender/internal/queue"
	"github.com/antaewoong/stayrender/internal/storage"
	"github.com/antaewoong/stayrender/internal/tracing"
	"github.com/antaewoong/stayrender/internal/validation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("failed to initialize tracing: %v", err)
		}
		defer closer.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("failed to connect to object storage: %v", err)
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("failed to connect to queue: %v", err)
	}
	defer q.Close()

	clock, err := admission.NewPeriodClock(cfg.Admission.Timezone)
	if err != nil {
		logger.Fatalf("failed to create period clock: %v", err)
	}

	limiter := admission.NewRateLimiter(redisClient, map[string][]admission.DimensionLimit{
		submitEndpoint: {
			{Dimension: admission.DimensionOwner, Limit: cfg.Admission.OwnerLimit, Window: cfg.Admission.OwnerWindow},
			{Dimension: admission.DimensionResource, Limit: cfg.Admission.ResourceLimit, Window: cfg.Admission.ResourceWindow},
			{Dimension: admission.DimensionClientIP, Limit: cfg.Admission.IPLimit, Window: cfg.Admission.IPWindow},
		},
	})
	guard := admission.NewIdempotencyGuard(redisClient, cfg.Admission.IdempotencyWindow)
	quota := admission.NewQuotaManager(redisClient, clock, cfg.Admission.QuotaCeiling)

	gateway := storage.NewSecurityGateway(bucketPolicies(cfg))
	cleanup := storage.NewCleanupService(store, gateway, logger)

	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	notifier := jobs.NewCancelNotifier(providerClient, logger)
	orchestrator := jobs.NewOrchestrator(repo, q, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go notifier.Start(ctx)
	go admission.NewSweeper(redisClient, logger, cfg.Admission.SweepInterval).Start(ctx)

	handlers := NewHandlers(cfg, orchestrator, repo, store, cleanup,
		limiter, guard, quota, validation.New(), gateway, logger)

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	router := setupRouter(cfg, handlers, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("API server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("forced shutdown", err)
	}
}

func setupRouter(cfg *config.Config, h *Handlers, logger *logging.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	if cfg.Tracing.Enabled {
		router.Use(tracing.Middleware())
	}

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ipLimiter := middleware.NewIPRateLimiter(cfg.Security.IPRateRPS, cfg.Security.IPRateBurst)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.OriginCheck(cfg.Security.AllowedOrigins))
	v1.Use(middleware.RateLimit(ipLimiter))

	// Provider callbacks authenticate by task knowledge, not JWT.
	v1.POST("/callbacks/render", h.RenderCallback)

	authed := v1.Group("")
	authed.Use(middleware.JWTAuth())
	{
		authed.POST("/render-jobs", h.SubmitRenderJob)
		authed.GET("/render-jobs/:id", h.GetRenderJob)
		authed.DELETE("/render-jobs/:id", h.CancelRenderJob)
		authed.GET("/owners/:id/quota", h.GetQuotaStatus)

		admin := authed.Group("/admin")
		admin.Use(middleware.AdminOnly())
		admin.POST("/storage/cleanup", h.StorageCleanup)
	}

	return router
}

// bucketPolicies builds gateway policies from config, always covering the
// upload bucket even when no policies are configured.
func bucketPolicies(cfg *config.Config) []storage.BucketPolicy {
	policies := make([]storage.BucketPolicy, 0, len(cfg.Storage.Buckets)+1)
	seen := make(map[string]bool)
	for _, b := range cfg.Storage.Buckets {
		policies = append(policies, storage.BucketPolicy{
			Bucket:       b.Bucket,
			PathTemplate: b.PathTemplate,
			Prefix:       b.Prefix,
			Retention:    b.Retention,
		})
		seen[b.Bucket] = true
	}
	if !seen[cfg.Storage.UploadBucket] {
		policies = append(policies, storage.BucketPolicy{
			Bucket:       cfg.Storage.UploadBucket,
			PathTemplate: []string{storage.SegmentOwnerID, storage.SegmentResourceID},
			Retention:    "720h",
		})
	}
	return policies
}
