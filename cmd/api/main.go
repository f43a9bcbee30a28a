package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/api"
	"github.com/pdfpress/pdfpress/internal/config"
	"github.com/pdfpress/pdfpress/internal/database"
	"github.com/pdfpress/pdfpress/internal/jobs"
	"github.com/pdfpress/pdfpress/internal/queue"
	"github.com/pdfpress/pdfpress/internal/repository"
	"github.com/pdfpress/pdfpress/internal/s3storage"
	"github.com/pdfpress/pdfpress/internal/signing"
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

	client := queue.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	audits := repository.NewAuditRepository(pool, log)
	jobsRepo := repository.NewJobRepository(pool, cfg.QuotaLimits())
	users := repository.NewUserRepository(pool)
	manager := jobs.NewManager(jobsRepo, store, client, audits, log, jobs.Options{
		MaxFileSize: cfg.MaxFileSize,
		Retention:   cfg.FileRetention,
		RetryBudget: cfg.RetryBudget,
	})
	signer := signing.NewSigner(cfg.JWTSecret)

	srv := api.New(cfg, users, manager, signer, audits, log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("api stopped")
		os.Exit(1)
	}
}
