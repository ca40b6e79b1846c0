package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"custody-tracker/internal/app"
	"custody-tracker/internal/blob"
	"custody-tracker/internal/config"
	"custody-tracker/internal/queue"
	"custody-tracker/internal/telemetry"
	workerproc "custody-tracker/internal/worker"
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, workerID)
	processor.RegisterHandler(queue.KindThumbnail, workerproc.NewThumbnailHandler(blobs, svc, cfg.ThumbWidth).Handle)
	processor.RegisterHandler(queue.KindOverdueCheck, workerproc.NewOverdueHandler(svc, q, cfg.OverdueRecheck).Handle)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started concurrency=%d visibility=%s backoff_initial=%s",
		workerID, cfg.WorkerConcurrency, cfg.VisibilityTimeout, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
	shutdownCtx, cancelShutdown := app.Shutdown()
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
