package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-worker/internal/models"
)

// ErrStaleTransition is returned when a state update would move a job
// backward or touch a job already in a terminal state.
var ErrStaleTransition = errors.New("stale state transition")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row in the pending state. When the submission
// carries an idempotency key that already exists, the original job is
// returned instead and the idempotent flag is set; the caller must not
// enqueue a second time.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error) {
	inputsJSON, err := json.Marshal(job.Inputs)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal inputs: %w", err)
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal params: %w", err)
	}

	var key *string
	if job.IdempotencyKey != "" {
		key = &job.IdempotencyKey
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, idempotency_key, capability, inputs, params, callback_url, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, job.ID, key, job.Capability, inputsJSON, paramsJSON, job.CallbackURL, models.StatePending, job.CreatedAt.UTC())
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return job, false, nil
	}

	row := s.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE idempotency_key = $1`, job.IdempotencyKey)
	var existingID string
	if err := row.Scan(&existingID); err != nil {
		return models.Job{}, false, fmt.Errorf("load job by idempotency key: %w", err)
	}
	existing, err := s.GetJob(ctx, existingID)
	if err != nil {
		return models.Job{}, false, err
	}
	return existing, true, nil
}

// DeleteJob removes a job row that never made it onto the queue, freeing
// its idempotency key for a retried submission. Only pending rows can be
// deleted; a job a worker has touched stays.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND state = $2`, id, models.StatePending)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, idempotency_key, capability, inputs, params, callback_url, state, step_attempts, cancelled,
		       error_kind, last_error, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var inputsJSON, paramsJSON []byte
	var idemKey, errKind, lastErr pgtype.Text
	var completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &idemKey, &job.Capability, &inputsJSON, &paramsJSON, &job.CallbackURL,
		&job.State, &job.StepAttempts, &job.Cancelled,
		&errKind, &lastErr, &job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(inputsJSON, &job.Inputs); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
	}
	job.IdempotencyKey = idemKey.String
	job.ErrorKind = textPtr(errKind)
	job.LastError = textPtr(lastErr)
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// AdvanceState moves a job forward to the given non-terminal state and
// resets the step attempt counter. The WHERE clause guards monotonicity:
// a replayed or stale update cannot move the job backward.
func (s *Store) AdvanceState(ctx context.Context, id, state string) error {
	rank := models.StateRank(state)
	if rank < 0 {
		return fmt.Errorf("unknown state %q", state)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, step_attempts = 0, updated_at = NOW()
		WHERE id = $1
		  AND state NOT IN ($3, $4)
		  AND CASE state
		        WHEN 'pending' THEN 0
		        WHEN 'fetching' THEN 1
		        WHEN 'converting' THEN 2
		        WHEN 'storing' THEN 3
		        WHEN 'notifying' THEN 4
		      END < $5
	`, id, state, models.StateSucceeded, models.StateFailed, rank)
	if err != nil {
		return fmt.Errorf("advance state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecordStepFailure bumps the attempt counter for the current step and
// records the error without changing state; the engine re-runs the step.
func (s *Store) RecordStepFailure(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET step_attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, lastErr)
	return err
}

// MarkTerminal transitions a job to succeeded or failed exactly once. The
// guard against existing terminal states makes a duplicate call a no-op,
// so a job can never carry two terminal states.
func (s *Store) MarkTerminal(ctx context.Context, id, state string, errKind, lastErr *string, completedAt time.Time) error {
	if !models.Terminal(state) {
		return fmt.Errorf("state %q is not terminal", state)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, error_kind = $3, last_error = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($6, $7)
	`, id, state, errKind, lastErr, completedAt.UTC(), models.StateSucceeded, models.StateFailed)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RequestCancel flags a job for cancellation. The workflow observes the
// flag at the next step boundary.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancelled = TRUE, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($2, $3)
	`, id, models.StateSucceeded, models.StateFailed)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CreateDelivery inserts the delivery row for a terminal job. One delivery
// per job; re-running the notify step upserts rather than duplicating.
func (s *Store) CreateDelivery(ctx context.Context, d models.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (job_id, url, payload, signature, state, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, d.JobID, d.URL, d.Payload, d.Signature, models.DeliveryPending, 0, d.NextAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetDelivery fetches the delivery row for a job.
func (s *Store) GetDelivery(ctx context.Context, jobID string) (models.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, url, payload, signature, state, attempts, last_error, next_attempt_at, delivered_at
		FROM webhook_deliveries WHERE job_id = $1
	`, jobID)

	var d models.WebhookDelivery
	var lastErr pgtype.Text
	var delivered pgtype.Timestamptz
	if err := row.Scan(&d.JobID, &d.URL, &d.Payload, &d.Signature, &d.State, &d.Attempts,
		&lastErr, &d.NextAttemptAt, &delivered); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookDelivery{}, fmt.Errorf("delivery not found: %w", err)
		}
		return models.WebhookDelivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.LastError = textPtr(lastErr)
	if delivered.Valid {
		t := delivered.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

// ListDueDeliveries returns pending deliveries whose next attempt time has
// passed, oldest first. Used by the worker's startup sweep to resume
// deliveries stranded by a crash.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, url, payload, signature, state, attempts, last_error, next_attempt_at, delivered_at
		FROM webhook_deliveries
		WHERE state IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at
		LIMIT $4
	`, models.DeliveryPending, models.DeliverySending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var due []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		var lastErr pgtype.Text
		var delivered pgtype.Timestamptz
		if err := rows.Scan(&d.JobID, &d.URL, &d.Payload, &d.Signature, &d.State, &d.Attempts,
			&lastErr, &d.NextAttemptAt, &delivered); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.LastError = textPtr(lastErr)
		if delivered.Valid {
			t := delivered.Time
			d.DeliveredAt = &t
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// UpdateDelivery persists the outcome of a delivery attempt.
func (s *Store) UpdateDelivery(ctx context.Context, d models.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET state = $2, attempts = $3, last_error = $4, next_attempt_at = $5, delivered_at = $6
		WHERE job_id = $1
	`, d.JobID, d.State, d.Attempts, d.LastError, d.NextAttemptAt.UTC(), d.DeliveredAt)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
