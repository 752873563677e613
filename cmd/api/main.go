// Command api is the ingress process: HTTP submission service backed by
// the state store and the work queue. It never calls the posting client
// directly; that is the worker pool's job (cmd/worker).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/config"
	"github.com/SirClappington/txgate/internal/httpapi"
	"github.com/SirClappington/txgate/internal/obs"
	"github.com/SirClappington/txgate/internal/queue"
	"github.com/SirClappington/txgate/internal/statestore"
	"github.com/SirClappington/txgate/internal/submission"
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

	// Leaves first: State Store -> Queue -> Submission Service -> HTTP.
	db, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := statestore.New(db, log, cfg.StateTTL)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb, queue.Config{
		Name:       cfg.QueueName,
		MaxRetries: cfg.QueueMaxRetries,
		RetryBase:  cfg.QueueRetryBase,
		LeaseTTL:   cfg.QueueLeaseTimeout,
	}, log)

	svc := submission.New(store, q, httpapi.IsAlreadyExists, httpapi.IsDuplicateJob, log)

	handlers := httpapi.NewHandlers(
		httpapi.NewSubmissionAdapter(svc),
		httpapi.NewHealthAdapter(store, q, log),
		log,
	)
	router := httpapi.NewRouter(handlers, log)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go store.RunReaper(reaperCtx, time.Hour)

	bgCtx, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	go q.RunBackground(bgCtx, time.Second)

	srv := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	go func() {
		log.Info("submission service listening", zap.String("addr", cfg.ServerAddr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	var shutdownErr error
	if err := srv.Shutdown(drainCtx); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if err := rdb.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	stopReaper()
	stopBg()

	if shutdownErr != nil {
		log.Error("shutdown completed with errors", zap.Error(shutdownErr))
	} else {
		log.Info("shutdown complete")
	}
}
