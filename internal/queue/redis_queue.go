package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"custody-tracker/internal/config"
	"custody-tracker/internal/telemetry"
)

// Task kinds handled by the worker.
const (
	KindThumbnail    = "thumbnail"
	KindOverdueCheck = "overdue_check"
)

// Task is one unit of background work. IDs are deterministic per subject, so
// enqueueing the same task again replaces the pending one.
type Task struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Payload  map[string]string `json:"payload"`
	Attempts int               `json:"attempts"`
	LastErr  string            `json:"last_error,omitempty"`
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	taskPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.QueueKey, cfg.VisibilityTimeout)
}

// NewWithClient builds a queue on an existing client. All keys share prefix.
func NewWithClient(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "custody"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready",
		inflightKey:   prefix + ":queue:inflight",
		scheduledKey:  prefix + ":queue:scheduled",
		taskPrefix:    prefix + ":queue:task:",
		dlqKey:        prefix + ":queue:dlq",
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

// Client exposes the underlying connection for health checks.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

// ThumbnailTask asks the worker to render a thumbnail for one job photo.
func ThumbnailTask(jobID, key string) Task {
	return Task{
		ID:      "thumb:" + key,
		Kind:    KindThumbnail,
		Payload: map[string]string{"job_id": jobID, "key": key},
	}
}

// OverdueTask asks the worker to check a dispatched batch against its
// expected return date.
func OverdueTask(batchID string) Task {
	return Task{
		ID:      "overdue:" + batchID,
		Kind:    KindOverdueCheck,
		Payload: map[string]string{"batch_id": batchID},
	}
}

// Enqueue stores a task and places it in the scheduled set when runAt is in
// the future, or in the ready queue otherwise.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, runAt time.Time) error {
	if task.ID == "" || task.Kind == "" {
		return errors.New("task id and kind are required")
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskKey(task.ID), raw, 0)
	pipe.LRem(ctx, q.readyKey, 0, task.ID)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	} else {
		pipe.ZRem(ctx, q.scheduledKey, task.ID)
		pipe.RPush(ctx, q.readyKey, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	telemetry.TasksEnqueued.WithLabelValues(task.Kind).Inc()
	return nil
}

// EnqueueThumbnail queues thumbnail generation for a stored photo.
func (q *RedisQueue) EnqueueThumbnail(ctx context.Context, jobID, key string) error {
	return q.Enqueue(ctx, ThumbnailTask(jobID, key), time.Time{})
}

// ScheduleOverdueCheck queues an overdue check for a batch at the given time.
func (q *RedisQueue) ScheduleOverdueCheck(ctx context.Context, batchID string, at time.Time) error {
	return q.Enqueue(ctx, OverdueTask(batchID), at)
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task and places it into inflight with a visibility
// timeout. It returns false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	task, err := q.load(ctx, id)
	if err != nil {
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return Task{}, false, err
	}
	return task, true, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (Task, error) {
	raw, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a task from in-flight tracking. The task record is kept if the
// task was re-enqueued while it ran.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	pending, err := q.pending(ctx, id)
	if err != nil || pending {
		return err
	}
	return q.client.Del(ctx, q.taskKey(id)).Err()
}

func (q *RedisQueue) pending(ctx context.Context, id string) (bool, error) {
	_, err := q.client.ZScore(ctx, q.scheduledKey, id).Result()
	if err == nil {
		return true, nil
	}
	if err != redis.Nil {
		return false, err
	}
	ready, err := q.client.LRange(ctx, q.readyKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, r := range ready {
		if r == id {
			return true, nil
		}
	}
	return false, nil
}

// Retry records the failure on the task and schedules it again.
func (q *RedisQueue) Retry(ctx context.Context, task Task, runAt time.Time, cause error) error {
	task.Attempts++
	if cause != nil {
		task.LastErr = cause.Error()
	}
	if err := q.client.ZRem(ctx, q.inflightKey, task.ID).Err(); err != nil {
		return err
	}
	return q.Enqueue(ctx, task, runAt)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter moves a task that exhausted its attempts to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task, cause error) error {
	task.Attempts++
	if cause != nil {
		task.LastErr = cause.Error()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, task.ID)
	pipe.Del(ctx, q.taskKey(task.ID))
	pipe.RPush(ctx, q.dlqKey, raw)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Task, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, task)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// ScheduledAt reports when a task is due, if it is in the scheduled set.
func (q *RedisQueue) ScheduledAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.scheduledKey, id).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
