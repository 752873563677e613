// Command worker runs the bounded-concurrency worker pool that executes
// the posting protocol against jobs reserved from the work queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/config"
	"github.com/SirClappington/txgate/internal/obs"
	"github.com/SirClappington/txgate/internal/posting"
	"github.com/SirClappington/txgate/internal/queue"
	"github.com/SirClappington/txgate/internal/statestore"
	"github.com/SirClappington/txgate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := obs.NewLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(context.Background(), cfg.PostgresDSN())
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := statestore.New(db, log, cfg.StateTTL)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	q := queue.New(rdb, queue.Config{
		Name:       cfg.QueueName,
		MaxRetries: cfg.QueueMaxRetries,
		RetryBase:  cfg.QueueRetryBase,
		LeaseTTL:   cfg.QueueLeaseTimeout,
	}, log)

	postingClient := posting.New(cfg.PostingURL, cfg.PostingTimeout)

	pool := worker.New(store, postingClient, q, worker.Config{
		Concurrency: cfg.QueueWorkerConcurrency,
		MaxRetries:  cfg.QueueMaxRetries,
		RetryBase:   cfg.QueueRetryBase,
		ReserveWait: 5 * time.Second,
	}, log)

	bgCtx, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	go q.RunBackground(bgCtx, time.Second)

	log.Info("worker pool starting", zap.Int("concurrency", cfg.QueueWorkerConcurrency))
	done := make(chan struct{})
	go func() {
		if err := pool.Run(ctx); err != nil {
			log.Error("worker pool exited with error", zap.Error(err))
		}
		close(done)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for in-flight jobs to finish their current step")
	<-done
	stopBg()
	log.Info("worker pool shutdown complete")
}
