package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stratasync.io/internal/config"
	"stratasync.io/internal/device"
	"stratasync.io/internal/httpapi"
	"stratasync.io/internal/obs"
	"stratasync.io/internal/rbac"
	"stratasync.io/internal/stats"
	"stratasync.io/internal/store/pg"
	"stratasync.io/internal/stream"
	"stratasync.io/internal/syncq"
)

var version = "0.3.1"

// admissionMetrics feeds admission decisions into the Prometheus counters.
type admissionMetrics struct{}

func (admissionMetrics) DeviceAdmission(_ string, role rbac.Role, _ device.Type, d device.Decision) {
	outcome := "denied"
	if d.Allowed {
		outcome = "admitted"
	}
	obs.IncDeviceAdmission(string(role), outcome)
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("STRATA_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	bus := stream.New()

	// Without a DSN everything runs in memory, which is enough for a
	// single-node field deployment.
	var (
		queue      syncq.Service
		deviceSt   device.Store
		eventSt    stats.Store
		readyProbe httpapi.ReadyProbe
		pgStore    *pg.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		queue = pgStore
		deviceSt = pgStore
		eventSt = pgStore
		readyProbe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		deviceSt = device.NewInMemory()
		eventSt = stats.NewInMemory()
	}

	tracker, err := stats.NewTracker(eventSt)
	if err != nil {
		log.Fatalf("tracker: %v", err)
	}
	observer := syncq.Observers{bus, tracker}
	if pgStore != nil {
		pgStore.SetObserver(observer)
	} else {
		queue = syncq.NewInMemory(syncq.WithObserver(observer))
	}

	registry, err := device.NewRegistry(deviceSt, device.WithListener(admissionMetrics{}))
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	api := httpapi.New(queue, registry, tracker, bus, readyProbe, httpapi.Options{
		Version:            version,
		RateLimitBurst:     cfg.RateLimitBurst,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	log.Printf("Starting stratasync-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
