package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stratasync.io/internal/config"
	"stratasync.io/internal/obs"
	"stratasync.io/internal/stats"
	"stratasync.io/internal/store/pg"
	"stratasync.io/internal/syncq"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("missing DSN: the worker needs STRATA_PG_DSN to share the queue")
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	tracker, err := stats.NewTracker(store)
	if err != nil {
		log.Fatalf("tracker: %v", err)
	}
	store.SetObserver(tracker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting stratasync-worker %s with %d workers", version, cfg.WorkerCount)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		worker := i
		g.Go(func() error {
			return runWorker(ctx, worker, store, cfg.WorkerPoll)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker pool: %v", err)
	}
	log.Println("Stopped")
}

// runWorker drains the queue, idling on the poll interval when it is empty.
func runWorker(ctx context.Context, id int, svc syncq.Service, poll time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, ok, err := syncq.ProcessNext(ctx, svc)
		if err != nil {
			log.Printf("worker %d: process entry %s: %v", id, result.EntryID, err)
		}
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
