package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/pkg/models"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// NotCancellableError reports a cancel attempted outside the cancellable
// set, carrying enough detail for the 400 body.
type NotCancellableError struct {
	Current models.JobStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("job in status %s cannot be cancelled", e.Current)
}

// Repository is the persistence the orchestrator needs.
type Repository interface {
	CreateJobWithAssets(ctx context.Context, job *models.Job, assets []*models.JobAsset) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	// TransitionJob conditionally moves a job between statuses; it
	// reports false when the job was no longer in the expected status.
	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg, cancelReason string) (bool, error)
	IncrementJobRetry(ctx context.Context, id string, errMsg string) (*models.Job, error)
	GetAssetsByJobID(ctx context.Context, jobID string) ([]*models.JobAsset, error)
	GetRendersByJobID(ctx context.Context, jobID string) ([]*models.Render, error)
}

// Publisher hands an accepted job to the worker queue.
type Publisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// CreateParams is everything admission gathered before job creation.
type CreateParams struct {
	OwnerID    string
	ResourceID string
	TemplateID string
	Manifest   []models.ManifestEntry
	Validation *models.ManifestValidation
	DedupKey   string
	MaxRetries int
	// EstimatedDuration is informational only, never enforced.
	EstimatedDuration time.Duration
	StoragePathFor    func(slot, filename string) string
}

// StatusDocument is the poller-facing view of one job.
type StatusDocument struct {
	Job          *models.Job        `json:"job"`
	ResourceName string             `json:"resource_name"`
	Progress     Progress           `json:"progress"`
	Assets       []*models.JobAsset `json:"assets"`
	Renders      []*models.Render   `json:"renders"`
}

// Orchestrator owns the job state machine: creation after admission,
// status assembly, cancellation, and retry bookkeeping.
type Orchestrator struct {
	repo     Repository
	queue    Publisher
	notifier *CancelNotifier
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(repo Repository, queue Publisher, notifier *CancelNotifier, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{repo: repo, queue: queue, notifier: notifier, logger: logger}
}

// Create persists a job plus one asset row per manifest entry and hands
// it to the worker queue. Only callable after validation passed and quota
// was consumed; the caller compensates quota if this fails.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*models.Job, error) {
	now := time.Now()
	eta := now.Add(params.EstimatedDuration)

	job := &models.Job{
		ID:                  uuid.New().String(),
		OwnerID:             params.OwnerID,
		ResourceID:          params.ResourceID,
		TemplateID:          params.TemplateID,
		Status:              models.JobStatusQueued,
		DedupKey:            params.DedupKey,
		MaxRetries:          params.MaxRetries,
		EstimatedCompletion: &eta,
	}

	selected := make(map[string]bool, len(params.Validation.Slots))
	for _, s := range params.Validation.Slots {
		selected[s.Slot] = s.Selected
	}

	assets := make([]*models.JobAsset, 0, len(params.Manifest))
	for _, entry := range params.Manifest {
		assets = append(assets, &models.JobAsset{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			Filename:    entry.File,
			Slot:        entry.Slot,
			StoragePath: params.StoragePathFor(entry.Slot, entry.File),
			Selected:    selected[entry.Slot],
		})
	}

	if err := o.repo.CreateJobWithAssets(ctx, job, assets); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if err := o.queue.PublishJob(ctx, job); err != nil {
		// The row exists but nothing will process it; fail it so the
		// caller sees a clean error and quota can be given back.
		if _, terr := o.repo.TransitionJob(ctx, job.ID,
			[]models.JobStatus{models.JobStatusQueued},
			models.JobStatusFailed, "failed to enqueue job", ""); terr != nil {
			o.logger.WithJobID(job.ID).ErrorWithErr("failed to mark unqueued job as failed", terr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	o.logger.WithJobID(job.ID).WithField("owner_id", job.OwnerID).Info("render job created")
	return job, nil
}

// GetStatus assembles the job, its assets, renders and computed progress.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*StatusDocument, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	assets, err := o.repo.GetAssetsByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job assets: %w", err)
	}

	renders, err := o.repo.GetRendersByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load renders: %w", err)
	}

	doc := &StatusDocument{
		Job:      job,
		Progress: ComputeProgress(job.Status, renders),
		Assets:   assets,
		Renders:  renders,
	}

	if resource, err := o.repo.GetResource(ctx, job.ResourceID); err == nil {
		doc.ResourceName = resource.Name
	}

	return doc, nil
}

// Cancel moves a job to cancelled when its current status allows it. The
// local transition is authoritative; notifying the render provider is
// handed to the async notifier and its failure never surfaces here.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !IsCancellable(job.Status) {
		return nil, &NotCancellableError{Current: job.Status}
	}

	moved, err := o.repo.TransitionJob(ctx, jobID, CancellableStatuses, models.JobStatusCancelled, "", reason)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !moved {
		// Lost a race with the worker; re-read to report the real state.
		job, err = o.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return nil, &NotCancellableError{Current: job.Status}
	}

	if o.notifier != nil {
		renders, err := o.repo.GetRendersByJobID(ctx, jobID)
		if err != nil {
			o.logger.WithJobID(jobID).ErrorWithErr("failed to load renders for cancel notification", err)
		}
		for _, r := range renders {
			if !r.Status.Terminal() {
				o.notifier.Enqueue(jobID, r.ExternalTaskID)
			}
		}
		if job.ExternalTaskID != "" {
			o.notifier.Enqueue(jobID, job.ExternalTaskID)
		}
	}

	o.logger.WithJobID(jobID).WithField("reason", reason).Info("render job cancelled")
	return o.repo.GetJob(ctx, jobID)
}

// Transition moves a job between pipeline stages, enforcing the state
// machine. Used by the worker.
func (o *Orchestrator) Transition(ctx context.Context, jobID string, from, to models.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	moved, err := o.repo.TransitionJob(ctx, jobID, []models.JobStatus{from}, to, "", "")
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("job %s left status %s concurrently", jobID, from)
	}
	return nil
}

// RecordFailure notes a provider failure against the job. Retries stay
// invisible to the caller until maxRetries is exhausted, at which point
// the job moves to failed with the provider error verbatim.
func (o *Orchestrator) RecordFailure(ctx context.Context, jobID string, cause error) (retryable bool, err error) {
	job, err := o.repo.IncrementJobRetry(ctx, jobID, cause.Error())
	if err != nil {
		return false, fmt.Errorf("failed to record job failure: %w", err)
	}

	if job.RetryCount < job.MaxRetries {
		o.logger.WithJobID(jobID).
			WithField("retry_count", job.RetryCount).
			WithField("max_retries", job.MaxRetries).
			Warn("transient render failure, will retry")
		return true, nil
	}

	if _, terr := o.repo.TransitionJob(ctx, jobID, nonTerminalStatuses(), models.JobStatusFailed, cause.Error(), ""); terr != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", terr)
	}
	o.logger.WithJobID(jobID).ErrorWithErr("render job failed after exhausting retries", cause)
	return false, nil
}

func nonTerminalStatuses() []models.JobStatus {
	var out []models.JobStatus
	for s := range transitions {
		if !IsTerminal(s) {
			out = append(out, s)
		}
	}
	return out
}
