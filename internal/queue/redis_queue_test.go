package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test", 10*time.Second), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if err := q.EnqueueThumbnail(ctx, "job-1", "jobs/job-1/a.jpg"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a task, got ok=%v err=%v", ok, err)
	}
	if task.Kind != KindThumbnail || task.Payload["job_id"] != "job-1" || task.Payload["key"] != "jobs/job-1/a.jpg" {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatal("expected empty queue after dequeue")
	}
	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("test:queue:task:" + task.ID) {
		t.Fatal("task record should be removed on ack")
	}
}

func TestScheduledTasksWaitUntilDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	due := time.Now().Add(time.Hour)

	if err := q.ScheduleOverdueCheck(ctx, "batch-1", due); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatal("scheduled task must not be ready yet")
	}
	later := due.Add(24 * time.Hour)
	if err := q.ScheduleOverdueCheck(ctx, "batch-1", later); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	at, ok, err := q.ScheduledAt(ctx, "overdue:batch-1")
	if err != nil || !ok || at.UnixMilli() != later.UnixMilli() {
		t.Fatalf("expected rescheduled time %s, got %s ok=%v err=%v", later, at, ok, err)
	}

	n, err := q.PromoteScheduled(ctx, due, 10)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing promoted at old due time, got %d %v", n, err)
	}
	n, err = q.PromoteScheduled(ctx, later, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one promoted, got %d %v", n, err)
	}
	task, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || task.Payload["batch_id"] != "batch-1" {
		t.Fatalf("unexpected dequeue %+v ok=%v err=%v", task, ok, err)
	}
}

func TestAckKeepsRescheduledTask(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	if err := q.ScheduleOverdueCheck(ctx, "batch-2", time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ScheduleOverdueCheck(ctx, "batch-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	again, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || again.ID != task.ID {
		t.Fatalf("expected rescheduled task to survive ack, got %+v ok=%v err=%v", again, ok, err)
	}
}

func TestRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	if err := q.EnqueueThumbnail(ctx, "job-2", "jobs/job-2/b.png"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _, _ := q.DequeueWithLease(ctx)

	if err := q.Retry(ctx, task, time.Time{}, errors.New("decode failed")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	retried, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || retried.Attempts != 1 || retried.LastErr != "decode failed" {
		t.Fatalf("unexpected retried task %+v ok=%v err=%v", retried, ok, err)
	}

	if err := q.DeadLetter(ctx, retried, errors.New("still broken")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := q.DLQPeek(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].Attempts != 2 || dead[0].LastErr != "still broken" {
		t.Fatalf("unexpected dlq %+v %v", dead, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready queue, got %d", depth)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	if err := q.EnqueueThumbnail(ctx, "job-3", "jobs/job-3/c.jpg"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, _, _ := q.DequeueWithLease(ctx)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("lease should still be live, got %v %v", ids, err)
	}
	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("expected expired lease reclaimed, got %v %v", ids, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected task back in ready queue, got %d", depth)
	}
}

func TestEnqueueRejectsIncompleteTask(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Enqueue(context.Background(), Task{Kind: KindThumbnail}, time.Time{}); err == nil {
		t.Fatal("expected missing id to be rejected")
	}
}
