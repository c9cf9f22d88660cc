package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"media-worker/internal/config"
	"media-worker/internal/telemetry"
)

// maxRunFailures bounds how many times one job may crash the workflow
// itself (store unreachable, plumbing errors) before it is dead-lettered
// for operator inspection. Step-level retries have their own budgets.
const maxRunFailures = 5

// Queue is the engine surface the pool consumes jobs from.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	Heartbeat(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	DeadLetterPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// RunFunc executes the full workflow for one job.
type RunFunc func(ctx context.Context, jobID string) error

// Pool pulls jobs from the engine queue and runs them under a fixed
// concurrency budget. A slot is acquired before dequeueing so a saturated
// pool stops taking leases instead of letting them expire unworked.
type Pool struct {
	cfg   config.Config
	queue Queue
	run   RunFunc
	sem   *semaphore.Weighted

	mu       sync.Mutex
	failures map[string]int
}

func NewPool(cfg config.Config, q Queue, run RunFunc) *Pool {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		run:      run,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		failures: make(map[string]int),
	}
}

// Run is the main worker loop. It returns when the context is cancelled,
// after waiting for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Printf("dequeue: %v", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.process(ctx, jobID)
		}(jobID)
	}
}

// process runs one leased job with a heartbeat keeping the lease alive.
func (p *Pool) process(ctx context.Context, jobID string) {
	stopHeartbeat := p.startHeartbeat(ctx, jobID)
	err := p.run(ctx, jobID)
	stopHeartbeat()

	if err == nil {
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Printf("job %s: ack: %v", jobID, err)
		}
		p.clearFailures(jobID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job: keep the lease, another worker reclaims it.
		return
	}

	// Plumbing failure. Leave the job in-flight so the lease expiry
	// requeues it, unless it has crashed the workflow too many times.
	count := p.recordFailure(jobID)
	log.Printf("job %s: workflow run failed (%d/%d): %v", jobID, count, maxRunFailures, err)
	if count >= maxRunFailures {
		_ = p.queue.Ack(ctx, jobID)
		_ = p.queue.DeadLetterPush(ctx, jobID)
		p.clearFailures(jobID)
		log.Printf("job %s: dead-lettered after %d run failures", jobID, count)
	}
}

func (p *Pool) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ctx, jobID, 2*interval); err != nil && ctx.Err() == nil {
					log.Printf("job %s: heartbeat: %v", jobID, err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (p *Pool) recordFailure(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[jobID]++
	return p.failures[jobID]
}

func (p *Pool) clearFailures(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, jobID)
}
