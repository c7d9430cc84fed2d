// The scheduler is a standalone tick loop for deployments that split
// delayed-job promotion from the API process. Each tick it takes a
// Postgres advisory lock for leader election, promotes due jobs on
// every queue, and re-creates dispatch jobs for pending schedules whose
// queue job went missing.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/config"
	"github.com/SirClappington/courier/internal/download"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/schedule"
	"github.com/SirClappington/courier/internal/session"
	"github.com/SirClappington/courier/internal/storage"
	"github.com/SirClappington/courier/internal/upload"
	"github.com/SirClappington/courier/internal/webhook"
)

const (
	leaderLockID   = 7301
	promoteBatch   = 200
	reconcileBatch = 500
)

var queueNames = []string{
	webhook.QueueName,
	upload.QueueName,
	download.QueueName,
	schedule.QueueName,
}

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	q := queue.New(rdb, logger)
	dispatcher := schedule.NewDispatcher(store, q, session.NewRegistry(), nil, logger)

	// the lock is session-scoped, so the tick loop holds one dedicated
	// connection for the lifetime of the process
	lockConn, err := db.Acquire(ctx)
	if err != nil {
		logger.Fatal("acquire lock connection", zap.Error(err))
	}
	defer lockConn.Release()

	logger.Info("scheduler started")
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
		}

		var leader bool
		if err := lockConn.QueryRow(ctx, "select pg_try_advisory_lock($1)", leaderLockID).Scan(&leader); err != nil {
			logger.Warn("leader lock", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		for _, name := range queueNames {
			if _, err := q.PromoteDue(ctx, name, promoteBatch); err != nil {
				logger.Warn("promote", zap.String("queue", name), zap.Error(err))
			}
		}

		restored, err := dispatcher.Reconcile(ctx, reconcileBatch)
		if err != nil {
			logger.Warn("reconcile", zap.Error(err))
		} else if restored > 0 {
			logger.Info("schedules reconciled", zap.Int("restored", restored))
		}
	}
}
