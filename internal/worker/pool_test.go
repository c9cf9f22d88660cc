package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-worker/internal/config"
	"media-worker/internal/registry"
)

// memQueue is an in-memory stand-in for the engine queue.
type memQueue struct {
	mu         sync.Mutex
	ready      []string
	acked      []string
	deadletter []string
	heartbeats int
}

func newMemQueue(jobIDs ...string) *memQueue {
	return &memQueue{ready: jobIDs}
}

func (q *memQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }

func (q *memQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (q *memQueue) DequeueWithLease(context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	jobID := q.ready[0]
	q.ready = q.ready[1:]
	return jobID, nil
}

func (q *memQueue) Heartbeat(context.Context, string, time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

func (q *memQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *memQueue) DeadLetterPush(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadletter = append(q.deadletter, jobID)
	return nil
}

func (q *memQueue) ReadyDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

func (q *memQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *memQueue) deadletterJobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deadletter...)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const concurrency = 3
	const jobs = 12

	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	queue := newMemQueue(ids...)

	var inFlight, maxInFlight, completed int64
	run := func(ctx context.Context, jobID string) error {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		atomic.AddInt64(&completed, 1)
		return nil
	}

	cfg := config.Config{
		WorkerConcurrency:  concurrency,
		WorkerPollInterval: 5 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}
	pool := NewPool(cfg, queue, run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt64(&completed) < jobs {
		select {
		case <-deadline:
			t.Fatalf("timed out: %d/%d jobs completed", atomic.LoadInt64(&completed), jobs)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := atomic.LoadInt64(&maxInFlight); got > concurrency {
		t.Fatalf("observed %d concurrent jobs, budget is %d", got, concurrency)
	}
	if queue.ackedCount() != jobs {
		t.Fatalf("expected %d acks, got %d", jobs, queue.ackedCount())
	}
}

func TestPoolDeadLettersRepeatedRunFailures(t *testing.T) {
	queue := newMemQueue()
	for i := 0; i < maxRunFailures; i++ {
		queue.ready = append(queue.ready, "job-1")
	}

	var runs int64
	run := func(ctx context.Context, jobID string) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("store unreachable")
	}

	cfg := config.Config{
		WorkerConcurrency:  1,
		WorkerPollInterval: 5 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}
	pool := NewPool(cfg, queue, run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if dl := queue.deadletterJobs(); len(dl) > 0 {
			if dl[0] != "job-1" {
				t.Fatalf("unexpected dead letter entry: %v", dl)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never dead-lettered after %d runs", atomic.LoadInt64(&runs))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := atomic.LoadInt64(&runs); got != maxRunFailures {
		t.Fatalf("expected %d run attempts before dead letter, got %d", maxRunFailures, got)
	}
}

func TestExecutorUnknownCapabilityIsPermanent(t *testing.T) {
	exec := NewActivityExecutor(config.Config{}, registry.New(nil))
	_, err := exec.Execute(context.Background(), "nope", registry.Input{})
	if err == nil {
		t.Fatal("expected error for unknown capability")
	}
	if registry.KindOf(err) != registry.KindPermanent {
		t.Fatalf("unknown capability should be permanent, got %v", registry.KindOf(err))
	}
}

func TestExecutorRecoversHandlerPanic(t *testing.T) {
	reg := registry.New(map[string]registry.Handler{
		"boom": func(context.Context, registry.Input) (registry.Output, error) {
			panic("handler bug")
		},
	})
	exec := NewActivityExecutor(config.Config{}, reg)

	_, err := exec.Execute(context.Background(), "boom", registry.Input{})
	if err == nil {
		t.Fatal("panicking handler should surface an error")
	}
	if registry.KindOf(err) != registry.KindTransient {
		t.Fatalf("panic should classify transient, got %v", registry.KindOf(err))
	}
}

func TestExecutorAppliesActivityTimeout(t *testing.T) {
	reg := registry.New(map[string]registry.Handler{
		"slow": func(ctx context.Context, _ registry.Input) (registry.Output, error) {
			<-ctx.Done()
			return registry.Output{}, registry.Transient(ctx.Err())
		},
	})
	exec := NewActivityExecutor(config.Config{ActivityTimeout: 20 * time.Millisecond}, reg)

	start := time.Now()
	_, err := exec.Execute(context.Background(), "slow", registry.Input{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("activity timeout was not applied")
	}
}
