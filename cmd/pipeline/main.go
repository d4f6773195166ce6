// Command pipeline runs the killmail ingestion and enrichment pipeline:
// the realtime listener, the job queue workers for every enrichment
// stage, and the cron scheduler, until a shutdown signal arrives.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"killfeed/internal/entities"
	"killfeed/internal/entitystats"
	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails"
	"killfeed/internal/prices"
	"killfeed/internal/publish"
	"killfeed/internal/realtime"
	"killfeed/internal/scheduler"
	"killfeed/internal/storage"
	"killfeed/internal/upstream"
	"killfeed/pkg/config"
	"killfeed/pkg/database"

	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cfg := config.LoadPipelineConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("apply migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := database.NewRedis(ctx)
	if err != nil {
		slog.Error("connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	upstreamClient := upstream.NewClient(db, cfg)
	cache := upstream.NewCache(db)
	queue := jobqueue.NewQueue(db)

	entityStore := entities.NewStore(db, upstreamClient)
	priceStore := prices.NewStore(db, upstreamClient, entityStore)
	repo := killmails.NewRepository(db)
	ingestor := killmails.NewIngestor(repo, queue)
	valueCalc := killmails.NewValueCalculator(repo, priceStore, queue)
	statsStore := entitystats.NewStore(db)
	publishStore := publish.NewStore(repo, entityStore, redisClient)
	fetchHandler := killmails.NewFetchHandler(upstreamClient, ingestor)

	// killmail_fetch, entity_refresh and price_fetch all draw on the same
	// upstream ESI error budget, so each gets its own rate cap rather than
	// relying on worker concurrency alone to keep requests/sec in check.
	fetchCap := jobqueue.NewTokenBucket(redisClient, "killmail_fetch", 30, time.Second)
	entityCap := jobqueue.NewTokenBucket(redisClient, "entity_refresh", 20, time.Second)
	priceCap := jobqueue.NewTokenBucket(redisClient, "price_fetch", 20, time.Second)

	pools := []*jobqueue.Pool{
		registerPool(db, "killmail_fetch", cfg.WorkerConcurrency["fetch"], fetchCap, map[string]jobqueue.Handler{
			"fetch": fetchHandler.Handle,
		}),
		registerPool(db, "entity_refresh", cfg.WorkerConcurrency["entity"], entityCap, map[string]jobqueue.Handler{
			"character":   entityStore.RefreshHandler,
			"corporation": entityStore.RefreshHandler,
			"alliance":    entityStore.RefreshHandler,
			"type":        entityStore.RefreshHandler,
		}),
		registerPool(db, "price_fetch", cfg.WorkerConcurrency["price"], priceCap, map[string]jobqueue.Handler{
			"price": priceStore.FetchHandler,
		}),
		registerPool(db, "value_calc", cfg.WorkerConcurrency["value"], nil, map[string]jobqueue.Handler{
			"value_calc": valueCalc.ValueCalcHandler,
		}),
		registerPool(db, "entity_stats", cfg.WorkerConcurrency["stats"], nil, map[string]jobqueue.Handler{
			"entity_stats": statsStore.UpdateHandler,
		}),
		registerPool(db, "publish", cfg.WorkerConcurrency["publish"], nil, map[string]jobqueue.Handler{
			"publish": publishStore.PublishHandler,
		}),
	}
	for _, p := range pools {
		p.Start(ctx)
	}

	filter := realtime.NewFilterSet(
		toInt64Slice(cfg.FollowedCharacterIDs),
		toInt64Slice(cfg.FollowedCorporationIDs),
		toInt64Slice(cfg.FollowedAllianceIDs),
	)
	consumerID := "killfeed-" + uuid.New().String()
	listener := realtime.NewListener(db, queue, filter, cfg.UpstreamBaseURL+"/listener/", consumerID)
	go listener.Run(ctx)

	sched := scheduler.New(queue)
	for _, t := range scheduler.DefaultTasks(db, redisClient, cache, queue) {
		sched.Register(t)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	slog.Info("killfeed pipeline started")
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")

	sched.Stop()
	for _, p := range pools {
		p.Stop(30 * time.Second)
	}

	slog.Info("killfeed pipeline stopped")
}

func registerPool(db *database.Postgres, queueName string, concurrency int, rateCap *jobqueue.TokenBucket, handlers map[string]jobqueue.Handler) *jobqueue.Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	p := jobqueue.NewPool(db, queueName, concurrency, rateCap)
	for jobType, h := range handlers {
		p.Register(jobType, h)
	}
	return p
}

func toInt64Slice(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
