package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/courier/internal/config"
	"github.com/SirClappington/courier/internal/download"
	"github.com/SirClappington/courier/internal/httpapi"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/schedule"
	"github.com/SirClappington/courier/internal/session"
	"github.com/SirClappington/courier/internal/storage"
	"github.com/SirClappington/courier/internal/syncer"
	"github.com/SirClappington/courier/internal/upload"
	"github.com/SirClappington/courier/internal/webhook"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.AppEnv == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	migrator, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open migration connection", zap.Error(err))
	}
	if err := storage.Migrate(migrator, cfg.MigrationsDir); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}
	migrator.Close()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	q := queue.New(rdb, logger)
	sessions := session.NewRegistry()

	notifier := webhook.NewNotifier(webhook.Config{
		URL:     cfg.WebhookURL,
		Events:  cfg.WebhookEvents,
		Retries: cfg.WebhookRetries,
		Backoff: cfg.WebhookBackoff,
	}, q, logger)

	webhookWorker := webhook.NewWorker(webhook.Config{
		URL:     cfg.WebhookURL,
		Events:  cfg.WebhookEvents,
		Retries: cfg.WebhookRetries,
		Backoff: cfg.WebhookBackoff,
	}, logger)

	uploadWorker := upload.NewWorker(upload.Config{
		Protocol: cfg.StorageProtocol,
		Host:     cfg.StorageHost,
		Port:     cfg.StoragePort,
		Secret:   cfg.StorageSecret,
	}, logger)

	downloadWorker := download.NewWorker(download.Config{
		DataDir: cfg.DataDir,
	}, sessions, store, logger)

	dispatcher := schedule.NewDispatcher(store, q, sessions, notifier, logger)
	sync := syncer.New(store, q, sessions, logger)

	q.Register(webhook.QueueName, webhookWorker.Handle, cfg.WorkerConcurrency)
	q.Register(upload.QueueName, uploadWorker.Handle, cfg.WorkerConcurrency)
	q.Register(download.QueueName, downloadWorker.Handle, cfg.WorkerConcurrency)
	q.Register(schedule.QueueName, dispatcher.HandleDispatch, cfg.WorkerConcurrency)

	api := httpapi.NewServer(dispatcher, sync, store, httpapi.StorageConfig{
		DataDir: cfg.DataDir,
		Secret:  cfg.StorageSecret,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}
