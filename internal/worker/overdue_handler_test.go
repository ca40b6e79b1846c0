package worker

import (
	"context"
	"testing"
	"time"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/queue"
	"custody-tracker/internal/service"
)

type fakeBatches struct {
	detail service.BatchDetail
	delays []service.BatchDelay
	err    error
}

func (f *fakeBatches) GetBatch(context.Context, string) (service.BatchDetail, error) {
	return f.detail, f.err
}

func (f *fakeBatches) BatchDelays(context.Context) ([]service.BatchDelay, error) {
	return f.delays, nil
}

type scheduled struct {
	batchID string
	at      time.Time
}

type fakeScheduler struct{ calls []scheduled }

func (f *fakeScheduler) ScheduleOverdueCheck(_ context.Context, batchID string, at time.Time) error {
	f.calls = append(f.calls, scheduled{batchID, at})
	return nil
}

func TestOverdueHandler(t *testing.T) {
	now := time.Date(2026, 3, 25, 9, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	future := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	batch := func(status models.BatchStatus, back *time.Time) models.Batch {
		return models.Batch{ID: "b-1", Code: "BATCH-2026-03", Status: status, ExpectedReturnDate: back}
	}
	late := []service.BatchDelay{{
		BatchID: "b-1", BatchCode: "BATCH-2026-03", DelayDays: 5,
		Outstanding: []custody.OutstandingItem{{JobCode: "DJ-2026-000001", Status: models.StatusReceivedAtFactory}},
	}}

	tests := []struct {
		name    string
		batches *fakeBatches
		wantAt  *time.Time
	}{
		{
			name:    "overdue batch is rechecked later",
			batches: &fakeBatches{detail: service.BatchDetail{Batch: batch(models.BatchDispatched, &expected)}, delays: late},
			wantAt:  ptr(now.Add(time.Hour)),
		},
		{
			name:    "early check waits for the expected date",
			batches: &fakeBatches{detail: service.BatchDetail{Batch: batch(models.BatchDispatched, &future)}},
			wantAt:  &future,
		},
		{
			name:    "batch without expected date is rechecked",
			batches: &fakeBatches{detail: service.BatchDetail{Batch: batch(models.BatchDispatched, nil)}},
			wantAt:  ptr(now.Add(time.Hour)),
		},
		{
			name:    "closed batch stops the checks",
			batches: &fakeBatches{detail: service.BatchDetail{Batch: batch(models.BatchClosed, &expected)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{}
			h := NewOverdueHandler(tt.batches, sched, time.Hour)
			h.now = func() time.Time { return now }
			if err := h.Handle(context.Background(), queue.OverdueTask("b-1")); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if tt.wantAt == nil {
				if len(sched.calls) != 0 {
					t.Fatalf("expected no reschedule, got %+v", sched.calls)
				}
				return
			}
			if len(sched.calls) != 1 || sched.calls[0].batchID != "b-1" || !sched.calls[0].at.Equal(*tt.wantAt) {
				t.Fatalf("expected reschedule at %s, got %+v", tt.wantAt, sched.calls)
			}
		})
	}
}

func TestOverdueHandlerMissingBatchIsPermanent(t *testing.T) {
	h := NewOverdueHandler(&fakeBatches{err: custody.NotFound("batch", "b-x")}, &fakeScheduler{}, time.Hour)
	if err := h.Handle(context.Background(), queue.OverdueTask("b-x")); !isPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if err := h.Handle(context.Background(), queue.Task{ID: "overdue:", Kind: queue.KindOverdueCheck}); !isPermanent(err) {
		t.Fatalf("expected permanent error for empty payload, got %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }
