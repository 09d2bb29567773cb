package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/antaewoong/stayrender/internal/admission"
	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/database"
	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/provider"
	"github.com/antaewoong/stayrender/internal/queue"
	"github.com/antaewoong/stayrender/internal/storage"
	"github.com/antaewoong/stayrender/internal/tracing"
	"github.com/antaewoong/stayrender/pkg/models"
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
		_, closer, err := tracing.Init("stayrender-worker", cfg.Tracing.JaegerEndpoint)
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

	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	notifier := jobs.NewCancelNotifier(providerClient, logger)
	orchestrator := jobs.NewOrchestrator(repo, q, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go notifier.Start(ctx)
	go admission.NewSweeper(redisClient, logger, cfg.Admission.SweepInterval).Start(ctx)

	pipeline := &Pipeline{
		cfg:      cfg,
		repo:     repo,
		stages:   orchestrator,
		provider: providerClient,
		store:    store,
		http:     &http.Client{Timeout: cfg.Provider.Timeout},
		logger:   logger,
	}

	if err := q.ConsumeJobs(ctx, func(job *models.Job) error {
		return pipeline.Process(ctx, job)
	}); err != nil {
		logger.Fatalf("failed to start consumer: %v", err)
	}

	logger.Info("render worker started")
	<-ctx.Done()
	logger.Info("render worker shutting down")
}
