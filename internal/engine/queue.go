package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-worker/internal/config"
)

// TaskQueue is the durable queue surface of the workflow engine. Jobs wait
// in a ready list, leased jobs sit in an in-flight ZSET scored by their
// lease deadline, and retries wait in a scheduled ZSET scored by their run
// time. A worker that crashes mid-job loses its lease and the job is
// reclaimed by RequeueExpired.
type TaskQueue struct {
	client        *redis.Client
	namespace     string
	visibilityTTL time.Duration
}

// NewTaskQueue builds a queue client from config.
func NewTaskQueue(cfg config.Config) *TaskQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newTaskQueue(client, cfg.Namespace, cfg.VisibilityTimeout)
}

func newTaskQueue(client *redis.Client, namespace string, visibility time.Duration) *TaskQueue {
	if namespace == "" {
		namespace = "media"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &TaskQueue{
		client:        client,
		namespace:     namespace,
		visibilityTTL: visibility,
	}
}

func (q *TaskQueue) readyKey() string      { return q.namespace + ":queue:ready" }
func (q *TaskQueue) inflightKey() string   { return q.namespace + ":queue:inflight" }
func (q *TaskQueue) scheduledKey() string  { return q.namespace + ":queue:scheduled" }
func (q *TaskQueue) deadLetterKey() string { return q.namespace + ":queue:deadletter" }

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *TaskQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey(), jobID).Err()
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *TaskQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It
// returns how many were promoted.
func (q *TaskQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
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
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queue and places it into
// inflight with a visibility timeout. Returns "" when the queue is empty.
func (q *TaskQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{q.readyKey(), q.inflightKey()}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Heartbeat pushes the visibility deadline forward for an in-flight job.
// Long-running conversions call this periodically so their lease survives.
func (q *TaskQueue) Heartbeat(ctx context.Context, jobID string, extension time.Duration) error {
	if extension < q.visibilityTTL {
		extension = q.visibilityTTL
	}
	return q.client.ZAdd(ctx, q.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *TaskQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *TaskQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
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
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel expedites a cancelled job. The cancellation flag lives in the
// store; a worker must still run the job so its workflow observes the
// flag and sends the cancelled notification. A job waiting in ready or
// scheduled is moved to the front of the ready queue; a job already
// in flight is left alone and notices the flag at its next step boundary.
func (q *TaskQueue) Cancel(ctx context.Context, jobID string) error {
	keys := []string{q.readyKey(), q.scheduledKey()}
	return cancelScript.Run(ctx, q.client, keys, jobID).Err()
}

// DeadLetterPush records a job whose workflow could not reach a terminal
// state, for operational inspection.
func (q *TaskQueue) DeadLetterPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.deadLetterKey(), jobID).Err()
}

// DeadLetterPeek reads the latest dead-lettered job IDs.
func (q *TaskQueue) DeadLetterPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.deadLetterKey(), 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *TaskQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

var cancelScript = redis.NewScript(`
local ready = KEYS[1]
local scheduled = KEYS[2]
local job = ARGV[1]
local removed = redis.call('LREM', ready, 0, job)
removed = removed + redis.call('ZREM', scheduled, job)
if removed > 0 then
  redis.call('LPUSH', ready, job)
  return 1
end
return 0
`)

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local job = redis.call('LPOP', ready)
if job then
  redis.call('ZADD', inflight, ARGV[1], job)
  return job
end
return nil
`)
