package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/queue"
	"custody-tracker/internal/service"
	"custody-tracker/internal/telemetry"
)

// BatchReader is the read side of the batch manager used by overdue checks.
type BatchReader interface {
	GetBatch(ctx context.Context, ref string) (service.BatchDetail, error)
	BatchDelays(ctx context.Context) ([]service.BatchDelay, error)
}

// OverdueHandler watches a dispatched batch until it is closed, logging it
// once its expected return date has passed with items still outstanding.
type OverdueHandler struct {
	batches   BatchReader
	scheduler service.Scheduler
	recheck   time.Duration
	now       func() time.Time
}

func NewOverdueHandler(batches BatchReader, scheduler service.Scheduler, recheck time.Duration) *OverdueHandler {
	if recheck <= 0 {
		recheck = 24 * time.Hour
	}
	return &OverdueHandler{batches: batches, scheduler: scheduler, recheck: recheck, now: time.Now}
}

func (h *OverdueHandler) Handle(ctx context.Context, task queue.Task) error {
	batchID := task.Payload["batch_id"]
	if batchID == "" {
		return Permanent(errors.New("overdue task needs batch_id"))
	}
	detail, err := h.batches.GetBatch(ctx, batchID)
	if errors.Is(err, custody.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return err
	}

	delays, err := h.batches.BatchDelays(ctx)
	if err != nil {
		return err
	}
	overdue := 0
	var mine *service.BatchDelay
	for i := range delays {
		if delays[i].DelayDays > 0 {
			overdue++
		}
		if delays[i].BatchID == detail.Batch.ID {
			mine = &delays[i]
		}
	}
	telemetry.BatchesOverdue.Set(float64(overdue))

	b := detail.Batch
	if b.Status != models.BatchDispatched {
		return nil
	}

	now := h.now()
	next := now.Add(h.recheck)
	if b.ExpectedReturnDate != nil && now.Before(*b.ExpectedReturnDate) {
		next = *b.ExpectedReturnDate
	} else if mine != nil && mine.DelayDays > 0 {
		log.Printf("overdue: batch %s is %d days past its expected return with %d items outstanding",
			b.Code, mine.DelayDays, len(mine.Outstanding))
	}
	return h.scheduler.ScheduleOverdueCheck(ctx, b.ID, next)
}
