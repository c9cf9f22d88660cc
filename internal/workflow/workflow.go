package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"media-worker/internal/artifact"
	"media-worker/internal/config"
	"media-worker/internal/models"
	"media-worker/internal/registry"
	"media-worker/internal/store"
	"media-worker/internal/telemetry"
	"media-worker/internal/webhook"
)

// JobStore is the checkpoint surface the workflow drives.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	AdvanceState(ctx context.Context, id, state string) error
	RecordStepFailure(ctx context.Context, id string, attempts int, lastErr string) error
	MarkTerminal(ctx context.Context, id, state string, errKind, lastErr *string, completedAt time.Time) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Artifacts is the content-addressed store surface used by Fetch and Store.
type Artifacts interface {
	GetFile(ctx context.Context, ref models.ArtifactRef, path string) error
	PutFile(ctx context.Context, path string) (models.ArtifactRef, error)
}

// Executor runs a conversion activity under the worker pool's concurrency
// budget and per-activity timeout.
type Executor interface {
	Execute(ctx context.Context, capability string, in registry.Input) (registry.Output, error)
}

// Notifier delivers the terminal result. A nil return is the delivery
// acknowledgment (delivered or exhausted-with-alert); an error means the
// notify step itself should be re-run.
type Notifier interface {
	Notify(ctx context.Context, job models.Job, payload webhook.Payload) error
}

// jobFailure is a terminal classification produced by a step. It fails the
// job and rides in the webhook payload instead of propagating as an error.
type jobFailure struct {
	kind string
	msg  string
}

// Runner drives a job from pending to a terminal state. Steps run
// strictly in sequence; each step has its own retry policy; every
// transition is checkpointed through the store so a crashed run can be
// resumed by whichever worker reclaims the lease. Re-running any step is
// safe: fetch and store are idempotent by content address, conversion is
// pure, and notification is deduplicated by the delivery row.
type Runner struct {
	store     JobStore
	artifacts Artifacts
	executor  Executor
	notifier  Notifier
	registry  *registry.Registry

	clock Clock
	ids   IDGen

	dataDir            string
	fetchMaxAttempts   int
	convertMaxAttempts int
	backoffInitial     time.Duration
	backoffMax         time.Duration
	jitter             Jitter
}

// NewRunner builds a workflow runner from config.
func NewRunner(cfg config.Config, st JobStore, artifacts Artifacts, executor Executor, notifier Notifier, reg *registry.Registry) *Runner {
	fetchMax := cfg.FetchMaxAttempts
	if fetchMax <= 0 {
		fetchMax = 5
	}
	convertMax := cfg.ConvertMaxAttempts
	if convertMax <= 0 {
		convertMax = 3
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = os.TempDir()
	}
	backoffInitial := cfg.StepBackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = 2 * time.Second
	}
	backoffMax := cfg.StepBackoffMax
	if backoffMax <= 0 {
		backoffMax = 5 * time.Minute
	}
	return &Runner{
		store:              st,
		artifacts:          artifacts,
		executor:           executor,
		notifier:           notifier,
		registry:           reg,
		clock:              SystemClock{},
		ids:                UUIDGen{},
		dataDir:            dataDir,
		fetchMaxAttempts:   fetchMax,
		convertMaxAttempts: convertMax,
		backoffInitial:     backoffInitial,
		backoffMax:         backoffMax,
		jitter:             defaultJitter,
	}
}

// Run executes the full pipeline for one job. Errors are plumbing
// failures (store unreachable, context cancelled); the engine requeues the
// job and a later run resumes. Business failures never come back as
// errors: they become the job's Failed terminal state.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.Terminal(job.State) {
		return nil
	}

	result, failure, err := r.pipeline(ctx, job)
	if err != nil {
		return err
	}

	completedAt := r.clock.Now().UTC()
	payload := webhook.Payload{JobID: job.ID, CompletedAt: completedAt}
	terminalState := models.StateSucceeded
	var errKind, lastErr *string
	if failure == nil {
		payload.Status = "succeeded"
		payload.Output = result.Outputs
		payload.Metadata = result.Metadata
	} else {
		payload.Status = "failed"
		payload.Error = &webhook.ErrorDetail{Kind: failure.kind, Message: failure.msg}
		terminalState = models.StateFailed
		errKind = &failure.kind
		lastErr = &failure.msg
	}

	if err := r.advance(ctx, job.ID, models.StateNotifying); err != nil {
		return err
	}
	if err := r.notifier.Notify(ctx, job, payload); err != nil {
		return err
	}

	if err := r.store.MarkTerminal(ctx, job.ID, terminalState, errKind, lastErr, completedAt); err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			return err
		}
	}
	if failure == nil {
		telemetry.JobsSucceeded.Inc()
		_ = r.store.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("outputs=%d", len(result.Outputs)))
	} else {
		telemetry.JobsFailed.Inc()
		_ = r.store.AppendAudit(ctx, job.ID, "failed", fmt.Sprintf("kind=%s msg=%s", failure.kind, failure.msg))
	}
	return nil
}

// pipeline runs validate → fetch → convert → store. Cancellation is only
// observed at step boundaries, never mid-conversion.
func (r *Runner) pipeline(ctx context.Context, job models.Job) (models.ConversionResult, *jobFailure, error) {
	var none models.ConversionResult

	if failure := r.validate(job); failure != nil {
		return none, failure, nil
	}
	if cancelled, err := r.checkCancelled(ctx, job.ID); err != nil {
		return none, nil, err
	} else if cancelled {
		return none, &jobFailure{kind: models.ErrKindCancelled, msg: "job cancelled before fetch"}, nil
	}

	// Scratch space is unique per run so a resumed job never sees a dead
	// run's partial files.
	workDir := filepath.Join(r.dataDir, "jobs", job.ID, r.ids.NewID())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return none, nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(filepath.Join(r.dataDir, "jobs", job.ID))

	if err := r.advance(ctx, job.ID, models.StateFetching); err != nil {
		return none, nil, err
	}
	inputPaths, failure, err := r.fetch(ctx, job, workDir)
	if err != nil || failure != nil {
		return none, failure, err
	}

	if cancelled, err := r.checkCancelled(ctx, job.ID); err != nil {
		return none, nil, err
	} else if cancelled {
		return none, &jobFailure{kind: models.ErrKindCancelled, msg: "job cancelled before conversion"}, nil
	}
	if err := r.advance(ctx, job.ID, models.StateConverting); err != nil {
		return none, nil, err
	}
	output, failure, err := r.convert(ctx, job, inputPaths, workDir)
	if err != nil || failure != nil {
		return none, failure, err
	}

	if cancelled, err := r.checkCancelled(ctx, job.ID); err != nil {
		return none, nil, err
	} else if cancelled {
		return none, &jobFailure{kind: models.ErrKindCancelled, msg: "job cancelled before storing"}, nil
	}
	if err := r.advance(ctx, job.ID, models.StateStoring); err != nil {
		return none, nil, err
	}
	refs, failure, err := r.storeOutputs(ctx, job, output.Paths)
	if err != nil || failure != nil {
		return none, failure, err
	}

	return models.ConversionResult{Outputs: refs, Metadata: output.Metadata}, nil, nil
}

// validate rejects malformed jobs before any engine-side retry begins.
// These are caller errors and are never retried.
func (r *Runner) validate(job models.Job) *jobFailure {
	reject := func(msg string) *jobFailure {
		return &jobFailure{kind: models.ErrKindInvalidJobSpec, msg: msg}
	}
	if err := r.registry.Validate(job.Capability, job.Params); err != nil {
		return reject(err.Error())
	}
	if len(job.Inputs) == 0 {
		return reject("at least one input artifact reference is required")
	}
	for _, ref := range job.Inputs {
		if !artifact.ValidRef(ref) {
			return reject(fmt.Sprintf("malformed artifact reference %q", ref.Hash))
		}
	}
	u, err := url.Parse(job.CallbackURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return reject(fmt.Sprintf("invalid callback URL %q", job.CallbackURL))
	}
	return nil
}

// fetch resolves input references to local files. Transient store errors
// retry with backoff; an integrity mismatch is fatal immediately; anything
// still unresolved after the attempt budget fails as ArtifactUnavailable.
func (r *Runner) fetch(ctx context.Context, job models.Job, workDir string) ([]string, *jobFailure, error) {
	inputDir := filepath.Join(workDir, "in")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create input dir: %w", err)
	}

	paths := make([]string, len(job.Inputs))
	for i := range job.Inputs {
		paths[i] = filepath.Join(inputDir, fmt.Sprintf("input_%d", i))
	}

	var lastErr error
	for attempt := 1; attempt <= r.fetchMaxAttempts; attempt++ {
		lastErr = nil
		for i, ref := range job.Inputs {
			if err := r.artifacts.GetFile(ctx, ref, paths[i]); err != nil {
				if errors.Is(err, artifact.ErrIntegrityMismatch) {
					return nil, &jobFailure{
						kind: models.ErrKindIntegrityMismatch,
						msg:  fmt.Sprintf("stored content for %s does not match its hash", ref.Hash),
					}, nil
				}
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return paths, nil, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt < r.fetchMaxAttempts {
			if err := r.waitRetry(ctx, job.ID, attempt, lastErr); err != nil {
				return nil, nil, err
			}
		}
	}
	return nil, &jobFailure{
		kind: models.ErrKindArtifactUnavailable,
		msg:  fmt.Sprintf("input could not be resolved after %d attempts: %v", r.fetchMaxAttempts, lastErr),
	}, nil
}

// convert invokes the capability handler through the executor. The
// handler declares whether its errors are transient or permanent; the
// workflow never infers that.
func (r *Runner) convert(ctx context.Context, job models.Job, inputPaths []string, workDir string) (registry.Output, *jobFailure, error) {
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return registry.Output{}, nil, fmt.Errorf("create output dir: %w", err)
	}

	in := registry.Input{
		JobID:   job.ID,
		Paths:   inputPaths,
		Params:  job.Params,
		WorkDir: outDir,
	}

	var lastErr error
	for attempt := 1; attempt <= r.convertMaxAttempts; attempt++ {
		output, err := r.executor.Execute(ctx, job.Capability, in)
		if err == nil {
			return output, nil, nil
		}
		if ctx.Err() != nil {
			return registry.Output{}, nil, ctx.Err()
		}
		if registry.KindOf(err) == registry.KindPermanent {
			return registry.Output{}, &jobFailure{
				kind: models.ErrKindConversionPermanent,
				msg:  err.Error(),
			}, nil
		}
		lastErr = err
		if attempt < r.convertMaxAttempts {
			if err := r.waitRetry(ctx, job.ID, attempt, lastErr); err != nil {
				return registry.Output{}, nil, err
			}
		}
	}
	return registry.Output{}, &jobFailure{
		kind: models.ErrKindConversionTransient,
		msg:  fmt.Sprintf("conversion failed after %d attempts: %v", r.convertMaxAttempts, lastErr),
	}, nil
}

// storeOutputs persists produced files. Content addressing makes re-runs
// no-ops, so the whole step is safe under at-least-once execution.
func (r *Runner) storeOutputs(ctx context.Context, job models.Job, paths []string) ([]models.ArtifactRef, *jobFailure, error) {
	refs := make([]models.ArtifactRef, 0, len(paths))
	var lastErr error
	for attempt := 1; attempt <= r.fetchMaxAttempts; attempt++ {
		refs = refs[:0]
		lastErr = nil
		for _, path := range paths {
			ref, err := r.artifacts.PutFile(ctx, path)
			if err != nil {
				lastErr = err
				break
			}
			refs = append(refs, ref)
		}
		if lastErr == nil {
			return refs, nil, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if attempt < r.fetchMaxAttempts {
			if err := r.waitRetry(ctx, job.ID, attempt, lastErr); err != nil {
				return nil, nil, err
			}
		}
	}
	return nil, &jobFailure{
		kind: models.ErrKindArtifactUnavailable,
		msg:  fmt.Sprintf("output could not be stored after %d attempts: %v", r.fetchMaxAttempts, lastErr),
	}, nil
}

func (r *Runner) checkCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Cancelled, nil
}

// advance moves the job forward, treating a stale transition as already
// done: a resumed run re-walks earlier steps without moving the visible
// state backward.
func (r *Runner) advance(ctx context.Context, jobID, state string) error {
	err := r.store.AdvanceState(ctx, jobID, state)
	if err != nil && !errors.Is(err, store.ErrStaleTransition) {
		return err
	}
	return nil
}

func (r *Runner) waitRetry(ctx context.Context, jobID string, attempt int, stepErr error) error {
	telemetry.StepRetries.Inc()
	if err := r.store.RecordStepFailure(ctx, jobID, attempt, stepErr.Error()); err != nil {
		return err
	}
	wait := backoffWithJitter(r.backoffInitial, r.backoffMax, attempt, r.jitter)
	log.Printf("job %s step retry %d in %s: %v", jobID, attempt, wait, stepErr)
	return r.clock.Sleep(ctx, wait)
}
