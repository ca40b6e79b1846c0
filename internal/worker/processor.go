package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"custody-tracker/internal/config"
	"custody-tracker/internal/queue"
	"custody-tracker/internal/telemetry"
)

// Handler executes one task of a given kind.
type Handler func(ctx context.Context, task queue.Task) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a failure that retrying cannot fix. The task goes straight
// to the dead-letter list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	workerID string
}

// NewProcessor creates a processor with a worker ID used in logs.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a task kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts WORKER_CONCURRENCY loops until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.maintain(ctx)
		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("worker %s: %v", p.workerID, err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// maintain promotes due tasks, reclaims expired leases and samples depth.
func (p *Processor) maintain(ctx context.Context) {
	now := time.Now()
	_, _ = p.queue.PromoteScheduled(ctx, now, 100)
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepth.Set(float64(depth))
	}
}

// ProcessOne runs at most one ready task. It reports whether a task was taken.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}

	err = p.runTask(ctx, task)
	if err == nil {
		telemetry.TaskResults.WithLabelValues(task.Kind, "ok").Inc()
		return true, p.queue.Ack(ctx, task.ID)
	}

	attempts := task.Attempts + 1
	if isPermanent(err) || attempts >= p.maxAttempts() {
		log.Printf("worker %s: task %s dead-lettered after %d attempts: %v", p.workerID, task.ID, attempts, err)
		telemetry.TaskResults.WithLabelValues(task.Kind, "dead_letter").Inc()
		return true, p.queue.DeadLetter(ctx, task, err)
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	log.Printf("worker %s: task %s failed (attempt %d), retrying in %s: %v", p.workerID, task.ID, attempts, backoff, err)
	telemetry.TaskResults.WithLabelValues(task.Kind, "retry").Inc()
	return true, p.queue.Retry(ctx, task, time.Now().Add(backoff), err)
}

func (p *Processor) maxAttempts() int {
	if p.cfg.WorkerMaxAttempts < 1 {
		return 1
	}
	return p.cfg.WorkerMaxAttempts
}

func (p *Processor) runTask(ctx context.Context, task queue.Task) error {
	handler, ok := p.handlers[task.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for kind %q", task.Kind))
	}
	return handler(ctx, task)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
