package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"media-worker/internal/config"
	"media-worker/internal/models"
	"media-worker/internal/telemetry"
)

// DeliveryStore persists delivery state so attempts survive process
// restarts and a job is never notified twice after a crash.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d models.WebhookDelivery) error
	GetDelivery(ctx context.Context, jobID string) (models.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d models.WebhookDelivery) error
}

// Clock matches the workflow package's clock so delivery timing is
// injectable under test.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Deliverer posts signed terminal-result payloads with its own
// retry/backoff, independent of the workflow engine's retry bookkeeping.
type Deliverer struct {
	client         *http.Client
	store          DeliveryStore
	clock          Clock
	secret         []byte
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	jitter         func(n int64) int64
}

// NewDeliverer builds a deliverer from config.
func NewDeliverer(cfg config.Config, store DeliveryStore, clock Clock) *Deliverer {
	maxAttempts := cfg.WebhookMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	backoffInitial := cfg.WebhookBackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = time.Second
	}
	backoffMax := cfg.WebhookBackoffMax
	if backoffMax <= 0 {
		backoffMax = 10 * time.Minute
	}
	return &Deliverer{
		client:         &http.Client{Timeout: cfg.WebhookTimeout},
		store:          store,
		clock:          clock,
		secret:         []byte(cfg.WebhookSecret),
		maxAttempts:    maxAttempts,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		jitter:         rand.Int63n,
	}
}

// Notify delivers the payload to the job's callback URL, retrying until a
// 2xx lands or attempts run out. Both Delivered and Exhausted acknowledge
// the workflow; only plumbing failures (store errors, cancellation) come
// back as errors so the engine can re-run the notify step.
func (d *Deliverer) Notify(ctx context.Context, job models.Job, payload Payload) error {
	body, err := payload.Canonical()
	if err != nil {
		return err
	}
	signature := Sign(d.secret, body)

	// Upsert, then reload: a re-run after a crash resumes the existing
	// delivery instead of starting a fresh attempt counter.
	err = d.store.CreateDelivery(ctx, models.WebhookDelivery{
		JobID:         job.ID,
		URL:           job.CallbackURL,
		Payload:       body,
		Signature:     signature,
		NextAttemptAt: d.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	delivery, err := d.store.GetDelivery(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}

	switch delivery.State {
	case models.DeliveryDelivered:
		return nil
	case models.DeliveryExhausted:
		return nil
	}

	for delivery.Attempts < d.maxAttempts {
		if wait := delivery.NextAttemptAt.Sub(d.clock.Now()); wait > 0 {
			if err := d.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}

		delivery.State = models.DeliverySending
		delivery.Attempts++
		if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("update delivery: %w", err)
		}

		attemptErr := d.attempt(ctx, delivery.URL, body, signature, job.ID)
		if attemptErr == nil {
			now := d.clock.Now()
			delivery.State = models.DeliveryDelivered
			delivery.LastError = nil
			delivery.DeliveredAt = &now
			if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
				return fmt.Errorf("update delivery: %w", err)
			}
			telemetry.WebhooksDelivered.Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg := attemptErr.Error()
		delivery.State = models.DeliveryPending
		delivery.LastError = &msg
		delivery.NextAttemptAt = d.clock.Now().Add(d.backoff(delivery.Attempts))
		if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
			return fmt.Errorf("update delivery: %w", err)
		}
		telemetry.WebhookRetries.Inc()
		log.Printf("webhook delivery for job %s failed (attempt %d/%d): %v", job.ID, delivery.Attempts, d.maxAttempts, attemptErr)
	}

	delivery.State = models.DeliveryExhausted
	msg := fmt.Sprintf("%s: no 2xx after %d attempts", models.ErrKindDeliveryExhausted, delivery.Attempts)
	delivery.LastError = &msg
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	telemetry.WebhooksExhausted.Inc()
	sentry.CaptureMessage(fmt.Sprintf("webhook delivery exhausted for job %s (url=%s)", job.ID, delivery.URL))
	log.Printf("webhook delivery exhausted for job %s after %d attempts", job.ID, delivery.Attempts)
	return nil
}

func (d *Deliverer) attempt(ctx context.Context, url string, body []byte, signature, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderJobID, jobID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return d.backoffInitial
	}
	exp := float64(d.backoffInitial) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > d.backoffMax || wait <= 0 {
		wait = d.backoffMax
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(d.jitter(int64(half)))
}
