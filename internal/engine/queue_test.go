package engine

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return newTaskQueue(client, "test", 100*time.Millisecond)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	// Queue is now empty; a second dequeue returns nothing.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got id=%q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked job should not be reclaimed, got %v", reclaimed)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", reclaimed)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 back on the ready queue, got id=%q err=%v", id, err)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", time.Now())
	_, _ = q.DequeueWithLease(ctx)

	if err := q.Heartbeat(ctx, "job-1", time.Hour); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("heartbeated lease should not expire, got %v", reclaimed)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, "job-1", runAt); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}

	// Not due yet.
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected no ready job, got id=%q err=%v", id, err)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 after promotion, got id=%q err=%v", id, err)
	}
}

func TestCancelledQueuedJobStaysDequeueable(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	// A job cancelled before any worker dequeues it must still reach a
	// worker, so the workflow can observe the flag and notify the caller.
	_ = q.Enqueue(ctx, "job-1", time.Now())
	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("cancelled job must remain dequeueable, got %q", id)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("cancel must not duplicate the queue entry, depth=%d", depth)
	}
}

func TestCancelPromotesScheduledJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Schedule(ctx, "job-1", time.Now().Add(time.Hour))
	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// No need to wait for the scheduled time once cancelled.
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 ready immediately, got id=%q err=%v", id, err)
	}
	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("cancelled job should have left the scheduled set, got %d", n)
	}
}

func TestCancelJumpsQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", time.Now())
	_ = q.Enqueue(ctx, "job-2", time.Now())
	if err := q.Cancel(ctx, "job-2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-2" {
		t.Fatalf("cancelled job should be served first, got id=%q err=%v", id, err)
	}
}

func TestCancelLeavesInFlightJobAlone(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", time.Now())
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("in-flight job must not be re-queued by cancel, depth=%d", depth)
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.DeadLetterPush(ctx, "job-1"); err != nil {
		t.Fatalf("dead letter push: %v", err)
	}
	ids, err := q.DeadLetterPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dead letter peek: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected [job-1], got %v", ids)
	}
}
