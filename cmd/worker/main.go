package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oeltimacreation/simplequeue/internal/config"
	"github.com/oeltimacreation/simplequeue/internal/queue"
	"github.com/oeltimacreation/simplequeue/internal/registry"
	"github.com/oeltimacreation/simplequeue/internal/storage"
	"github.com/oeltimacreation/simplequeue/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.NewPostgres(db)

	q, err := buildQueue(ctx, cfg, store)
	if err != nil {
		log.Fatal("build queue driver", zap.String("driver", cfg.QueueDriver), zap.Error(err))
	}

	reg := registry.New(nil)
	registerHandlers(reg, log)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		lockFile := cfg.LockFile
		if i > 0 {
			// The advisory lock guards one worker per host; extra in-process
			// instances share the first one's claim.
			lockFile = ""
		}
		w := worker.New(store, q, reg, worker.Options{
			Queue:          cfg.Queue,
			PollTimeout:    cfg.PollTimeout,
			StuckTTL:       cfg.StuckTTL,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			LockFile:       lockFile,
		}, log)
		g.Go(func() error { return w.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
	log.Info("all workers stopped")
}

func buildQueue(ctx context.Context, cfg config.Config, store storage.Store) (queue.Queue, error) {
	if cfg.QueueDriver == "database" {
		return queue.NewPolling(store, cfg.PollInterval), nil
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	return queue.NewRedis(ctx, rdb, cfg.RedisPrefix)
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// registerHandlers binds the application's job types. The echo handler stays
// as a smoke-test target.
func registerHandlers(reg *registry.Registry, log *zap.Logger) {
	_ = reg.Register("echo", registry.Factory(func() registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, jobID int64, payload map[string]any, report registry.ProgressFunc) (map[string]any, error) {
			log.Info("echo", zap.Int64("job_id", jobID), zap.Any("payload", payload))
			report(100, "done")
			return map[string]any{"echoed": payload}, nil
		})
	}))
}
