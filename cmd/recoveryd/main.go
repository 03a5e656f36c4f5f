package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"reliable-ops/internal/archive"
	"reliable-ops/internal/cache"
	"reliable-ops/internal/config"
	"reliable-ops/internal/idempotency"
	"reliable-ops/internal/lock"
	"reliable-ops/internal/recovery"
	"reliable-ops/internal/store"
	"reliable-ops/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	recordCache := cache.NewWithClient(redisClient)
	locks := lock.New(redisClient, cfg.LockTTL)

	manager := idempotency.NewManager(cfg, st, recordCache, locks)

	// Domain recovery handlers are registered here by the deployment:
	// exchange client for bitcoin_purchase, processor client for
	// payment_processing, and so on. Unregistered types are reported and
	// dead-letter after the attempt threshold.
	registry := recovery.NewRegistry()
	svc := recovery.NewService(cfg, st, registry, recovery.LogReporter{})
	scheduler := recovery.NewScheduler(cfg, svc, st)

	archiver, err := archive.New(ctx, cfg, st)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go manager.RunCleanup(ctx)
	go archiver.Run(ctx)

	log.Printf("recoveryd started interval=%s retry_delay=%s batch=%d", cfg.SchedulerInterval, cfg.RetryDelay, cfg.SweepBatchSize)
	scheduler.Run(ctx)
	log.Printf("recoveryd stopped")
}
