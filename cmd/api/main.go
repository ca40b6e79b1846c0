package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "custody-tracker/internal/api"
	"custody-tracker/internal/app"
	"custody-tracker/internal/blob"
	"custody-tracker/internal/config"
	"custody-tracker/internal/queue"
	"custody-tracker/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	svc, err := app.NewService(cfg, st, q)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}
	limiter := ratelimit.NewTokenBucket(app.RedisClient(cfg), "custody:ratelimit:scan:", cfg.ScanRateCapacity, cfg.ScanRateRefill, time.Hour)

	server := api.New(cfg, svc, blobs, q, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("api listening on :%s env=%s store=%s blobs=%s", cfg.HTTPPort, cfg.Env, cfg.StoreDriver, cfg.BlobDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := app.Shutdown()
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
