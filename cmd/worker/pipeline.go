package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/metrics"
	"github.com/antaewoong/stayrender/internal/provider"
	"github.com/antaewoong/stayrender/pkg/models"
)

// pipelineStore is the persistence the pipeline needs beyond stage
// transitions.
type pipelineStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetAssetsByJobID(ctx context.Context, jobID string) ([]*models.JobAsset, error)
	CreateRender(ctx context.Context, render *models.Render) error
	UpdateRenderByTaskID(ctx context.Context, taskID string, status models.RenderStatus, videoURL, failureReason string) (bool, error)
	GetRendersByJobID(ctx context.Context, jobID string) ([]*models.Render, error)
	SetJobExternalTask(ctx context.Context, id, taskID string) error
}

// stageService drives the job state machine and retry bookkeeping.
type stageService interface {
	Transition(ctx context.Context, jobID string, from, to models.JobStatus) error
	RecordFailure(ctx context.Context, jobID string, cause error) (bool, error)
}

// renderProvider is the delegated render backend.
type renderProvider interface {
	SubmitTask(ctx context.Context, req provider.SubmitRequest) (*provider.Task, error)
	GetTask(ctx context.Context, taskID string) (*provider.Task, error)
	CancelTask(ctx context.Context, taskID string) error
}

// objectStore is the slice of object storage the pipeline touches.
type objectStore interface {
	Exists(ctx context.Context, bucket, objectName string) (bool, error)
	PresignedURL(ctx context.Context, bucket, objectName string, expiry time.Duration) (string, error)
	Upload(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error
	DefaultBucket() string
}

// Pipeline drives one accepted job through the rendering stages.
type Pipeline struct {
	cfg      *config.Config
	repo     pipelineStore
	stages   stageService
	provider renderProvider
	store    objectStore
	http     *http.Client
	logger   *logging.Logger
}

// Process runs a job toward delivered. A returned error requeues the
// message for another attempt; nil acknowledges it, including the cases
// where the job already reached failed or cancelled.
func (p *Pipeline) Process(ctx context.Context, job *models.Job) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "worker.process_job")
	span.SetTag("job_id", job.ID)
	defer span.Finish()

	log := p.logger.WithJobID(job.ID)
	log.LogJobEvent(job.ID, "dequeued", string(job.Status), nil)

	if err := p.run(ctx, job, log); err != nil {
		retryable, rerr := p.stages.RecordFailure(ctx, job.ID, err)
		if rerr != nil {
			log.ErrorWithErr("failed to record job failure", rerr)
			return rerr
		}
		if retryable {
			return err
		}
		metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusFailed)).Inc()
		metrics.JobsInProgress.Dec()
		return nil
	}
	return nil
}

// run resumes from the job's current stage, so a redelivered message
// picks up where the last attempt stopped instead of replaying the
// state machine from queued.
func (p *Pipeline) run(ctx context.Context, job *models.Job, log *logging.Logger) error {
	current, err := p.repo.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if jobs.IsTerminal(current.Status) {
		log.WithField("status", current.Status).Info("job finished elsewhere, dropping")
		return nil
	}

	assets, err := p.selectedAssets(ctx, job.ID)
	if err != nil {
		return err
	}

	status := current.Status
	if status == models.JobStatusQueued {
		if err := p.stages.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusValidating); err != nil {
			return p.bailIfFinished(ctx, job.ID, err)
		}
		status = models.JobStatusValidating
	}

	if status == models.JobStatusValidating {
		if err := p.checkAssets(ctx, assets); err != nil {
			return err
		}
		if err := p.stages.Transition(ctx, job.ID, models.JobStatusValidating, models.JobStatusGeneratingClips); err != nil {
			return p.bailIfFinished(ctx, job.ID, err)
		}
		status = models.JobStatusGeneratingClips
	}

	var clipURLs []string
	if status == models.JobStatusGeneratingClips {
		clipURLs, err = p.generateClips(ctx, job, assets, log)
		if err != nil {
			return err
		}
		if clipURLs == nil {
			// Cancelled mid-generation; nothing left to do.
			return nil
		}
		if err := p.stages.Transition(ctx, job.ID, models.JobStatusGeneratingClips, models.JobStatusStitching); err != nil {
			return p.bailIfFinished(ctx, job.ID, err)
		}
		status = models.JobStatusStitching
	}

	var videoURL string
	if status == models.JobStatusStitching {
		if clipURLs == nil {
			clipURLs, err = p.finishedClips(ctx, job.ID, assets)
			if err != nil {
				return err
			}
		}
		videoURL, err = p.stitch(ctx, job, clipURLs)
		if err != nil {
			return err
		}
		if err := p.stages.Transition(ctx, job.ID, models.JobStatusStitching, models.JobStatusUploading); err != nil {
			return p.bailIfFinished(ctx, job.ID, err)
		}
		status = models.JobStatusUploading
	}

	if status == models.JobStatusUploading {
		if videoURL == "" {
			videoURL, err = p.stitchedVideoURL(ctx, current)
			if err != nil {
				return err
			}
		}
		if err := p.deliver(ctx, job, videoURL, log); err != nil {
			return err
		}
		if err := p.stages.Transition(ctx, job.ID, models.JobStatusUploading, models.JobStatusDelivered); err != nil {
			return p.bailIfFinished(ctx, job.ID, err)
		}
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusDelivered)).Inc()
	metrics.JobsInProgress.Dec()
	log.LogJobEvent(job.ID, "delivered", string(models.JobStatusDelivered), nil)
	return nil
}

func (p *Pipeline) selectedAssets(ctx context.Context, jobID string) ([]*models.JobAsset, error) {
	assets, err := p.repo.GetAssetsByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	selected := make([]*models.JobAsset, 0, len(assets))
	for _, a := range assets {
		if a.Selected {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no assets selected for generation")
	}
	return selected, nil
}

func (p *Pipeline) checkAssets(ctx context.Context, assets []*models.JobAsset) error {
	bucket := p.cfg.Storage.UploadBucket
	for _, a := range assets {
		exists, err := p.store.Exists(ctx, bucket, a.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to check asset %s: %w", a.Filename, err)
		}
		if !exists {
			return fmt.Errorf("asset %s vanished from storage", a.Filename)
		}
	}
	return nil
}

// generateClips runs one provider task per selected asset and polls
// until every slot has a finished clip. Prior attempts are picked up
// from the render rows: completed slots keep their clip, in-flight
// tasks are re-polled, failed or missing slots get a fresh task.
// Returns nil URLs without error when the job was cancelled underneath
// us.
func (p *Pipeline) generateClips(ctx context.Context, job *models.Job, assets []*models.JobAsset, log *logging.Logger) ([]string, error) {
	renders, err := p.repo.GetRendersByJobID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	// Rows come ordered by creation, so the last attempt per slot wins.
	latest := make(map[string]*models.Render, len(renders))
	for _, r := range renders {
		if r.Slot != "" {
			latest[r.Slot] = r
		}
	}

	bucket := p.cfg.Storage.UploadBucket
	clips := make(map[string]string, len(assets))
	pending := make(map[string]string) // task ID -> slot

	for _, a := range assets {
		if r, ok := latest[a.Slot]; ok {
			switch r.Status {
			case models.RenderStatusCompleted:
				clips[a.Slot] = r.VideoURL
				continue
			case models.RenderStatusPending, models.RenderStatusRunning:
				pending[r.ExternalTaskID] = a.Slot
				continue
			}
			// A failed attempt gets a fresh task below.
		}

		url, err := p.store.PresignedURL(ctx, bucket, a.StoragePath, p.cfg.Storage.PresignExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to presign asset %s: %w", a.Filename, err)
		}

		task, err := p.provider.SubmitTask(ctx, provider.SubmitRequest{
			JobID:      job.ID,
			Kind:       provider.TaskKindClip,
			TemplateID: job.TemplateID,
			AssetURLs:  []string{url},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to submit clip task for %s: %w", a.Slot, err)
		}

		if err := p.repo.CreateRender(ctx, &models.Render{
			JobID:          job.ID,
			Slot:           a.Slot,
			ExternalTaskID: task.ID,
			Status:         models.RenderStatusPending,
		}); err != nil {
			return nil, err
		}
		pending[task.ID] = a.Slot
	}

	for len(pending) > 0 {
		cancelled, err := p.jobCancelled(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			for taskID := range pending {
				if cerr := p.provider.CancelTask(ctx, taskID); cerr != nil {
					log.WithField("task_id", taskID).ErrorWithErr("failed to cancel provider task", cerr)
				}
			}
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.Provider.PollInterval):
		}

		for taskID, slot := range pending {
			task, err := p.provider.GetTask(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("failed to poll clip task: %w", err)
			}

			status := task.RenderStatus()
			if _, err := p.repo.UpdateRenderByTaskID(ctx, taskID, status, task.VideoURL, task.Error); err != nil {
				return nil, err
			}
			if !status.Terminal() {
				continue
			}
			delete(pending, taskID)
			if status == models.RenderStatusFailed {
				return nil, fmt.Errorf("clip render failed for slot %s: %s", slot, task.Error)
			}
			clips[slot] = task.VideoURL
		}
	}

	// Stitch order follows the manifest.
	urls := make([]string, 0, len(assets))
	for _, a := range assets {
		urls = append(urls, clips[a.Slot])
	}
	return urls, nil
}

// finishedClips rebuilds the clip list from render rows when a
// redelivery lands past the generation stage.
func (p *Pipeline) finishedClips(ctx context.Context, jobID string, assets []*models.JobAsset) ([]string, error) {
	renders, err := p.repo.GetRendersByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	bySlot := make(map[string]string, len(renders))
	for _, r := range renders {
		if r.Status == models.RenderStatusCompleted && r.Slot != "" {
			bySlot[r.Slot] = r.VideoURL
		}
	}

	urls := make([]string, 0, len(assets))
	for _, a := range assets {
		url, ok := bySlot[a.Slot]
		if !ok {
			return nil, fmt.Errorf("no finished clip for slot %s", a.Slot)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// stitch submits the stitch task over the finished clips and polls it
// to completion.
func (p *Pipeline) stitch(ctx context.Context, job *models.Job, clipURLs []string) (string, error) {
	task, err := p.provider.SubmitTask(ctx, provider.SubmitRequest{
		JobID:      job.ID,
		Kind:       provider.TaskKindStitch,
		TemplateID: job.TemplateID,
		ClipURLs:   clipURLs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit stitch task: %w", err)
	}
	if err := p.repo.SetJobExternalTask(ctx, job.ID, task.ID); err != nil {
		return "", err
	}
	return p.awaitTask(ctx, task.ID)
}

// awaitTask polls one provider task to a terminal state and returns its
// video URL.
func (p *Pipeline) awaitTask(ctx context.Context, taskID string) (string, error) {
	for {
		task, err := p.provider.GetTask(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("failed to poll stitch task: %w", err)
		}
		switch task.RenderStatus() {
		case models.RenderStatusCompleted:
			return task.VideoURL, nil
		case models.RenderStatusFailed:
			return "", fmt.Errorf("stitch render failed: %s", task.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.Provider.PollInterval):
		}
	}
}

// stitchedVideoURL recovers the stitched output for a job that was
// interrupted after stitching finished.
func (p *Pipeline) stitchedVideoURL(ctx context.Context, job *models.Job) (string, error) {
	if job.ExternalTaskID == "" {
		return "", fmt.Errorf("job %s is uploading but has no stitch task", job.ID)
	}
	return p.awaitTask(ctx, job.ExternalTaskID)
}

// deliver streams the stitched video from the provider into the output
// bucket under the owner's namespace.
func (p *Pipeline) deliver(ctx context.Context, job *models.Job, videoURL string, log *logging.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build video fetch: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch stitched video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("video fetch returned %d", resp.StatusCode)
	}

	objectName := fmt.Sprintf("%s/%s/%s.mp4", job.OwnerID, job.ResourceID, job.ID)
	bucket := p.store.DefaultBucket()
	start := time.Now()
	err = p.store.Upload(ctx, bucket, objectName, resp.Body, resp.ContentLength, "video/mp4")
	log.LogStorageOperation("upload", bucket, objectName, resp.ContentLength, time.Since(start), err)
	return err
}

func (p *Pipeline) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	current, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return current.Status == models.JobStatusCancelled, nil
}

// bailIfFinished swallows a transition conflict when the job already
// reached a terminal state, which is the normal cancel race.
func (p *Pipeline) bailIfFinished(ctx context.Context, jobID string, cause error) error {
	current, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return cause
	}
	if jobs.IsTerminal(current.Status) {
		p.logger.WithJobID(jobID).
			WithField("status", current.Status).
			Info("job finished elsewhere, dropping")
		return nil
	}
	return cause
}
