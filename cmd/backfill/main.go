// Command backfill drives a one-off bulk historical import (§4.L),
// either enqueue-only or direct-insert, resuming from recorded progress
// on restart.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"killfeed/internal/backfill"
	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails"
	"killfeed/internal/storage"
	"killfeed/internal/upstream"
	"killfeed/pkg/config"
	"killfeed/pkg/database"
)

func main() {
	jobName := flag.String("job", "default", "backfill job name, used as the resume key in backfill_progress")
	endpoint := flag.String("endpoint", "/export/killmails/", "upstream export endpoint")
	mode := flag.String("mode", "enqueue-only", "enqueue-only or direct-insert")
	flag.Parse()

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

	upstreamClient := upstream.NewClient(db, cfg)
	queue := jobqueue.NewQueue(db)
	repo := killmails.NewRepository(db)
	ingestor := killmails.NewIngestor(repo, queue)

	controller := backfill.NewController(db, upstreamClient, queue, ingestor, *jobName, *endpoint, nil)

	var runErr error
	switch *mode {
	case "enqueue-only":
		runErr = controller.RunEnqueueOnly(ctx)
	case "direct-insert":
		runErr = controller.RunDirectInsert(ctx)
	default:
		slog.Error("unknown backfill mode", "mode", *mode)
		os.Exit(1)
	}

	if runErr != nil {
		slog.Error("backfill terminated with error", "job", *jobName, "error", runErr)
		os.Exit(1)
	}
	slog.Info("backfill complete", "job", *jobName)
}
