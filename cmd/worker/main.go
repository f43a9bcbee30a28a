package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/config"
	"github.com/pdfpress/pdfpress/internal/database"
	"github.com/pdfpress/pdfpress/internal/gs"
	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/queue"
	"github.com/pdfpress/pdfpress/internal/repository"
	"github.com/pdfpress/pdfpress/internal/s3storage"
	"github.com/pdfpress/pdfpress/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("init object storage")
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.WithError(err).Fatal("ensure buckets")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := queue.NewClient(redisOpt)
	defer client.Close()

	audits := repository.NewAuditRepository(pool, log)
	jobsRepo := repository.NewJobRepository(pool, cfg.QuotaLimits())
	manager := jobs.NewManager(jobsRepo, store, client, audits, log, jobs.Options{
		MaxFileSize: cfg.MaxFileSize,
		Retention:   cfg.FileRetention,
		RetryBudget: cfg.RetryBudget,
	})
	compressor := gs.NewCompressor(cfg.GhostscriptPath, cfg.ProcessingTimeout, log)
	processor := worker.NewProcessor(manager, store, compressor, log, "")

	// The sweep rides the same queue as compression so one worker fleet
	// handles both.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(cfg.SweepSpec, asynq.NewTask(queue.SweepTask, nil)); err != nil {
		log.WithError(err).Fatal("register sweep schedule")
	}
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}
	defer scheduler.Shutdown()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      log,
	})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.WithField("concurrency", cfg.ProcessingPool).Info("worker starting")
	if err := server.Run(processor.Handler()); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
