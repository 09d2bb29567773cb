package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/provider"
	"github.com/antaewoong/stayrender/pkg/models"
)

// fakeBackend implements both the store and stage-service sides so the
// job row behaves like one shared record.
type fakeBackend struct {
	job     *models.Job
	assets  []*models.JobAsset
	renders []*models.Render
}

func (f *fakeBackend) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job := *f.job
	return &job, nil
}

func (f *fakeBackend) GetAssetsByJobID(ctx context.Context, jobID string) ([]*models.JobAsset, error) {
	return f.assets, nil
}

func (f *fakeBackend) CreateRender(ctx context.Context, render *models.Render) error {
	render.ID = fmt.Sprintf("render-%d", len(f.renders)+1)
	f.renders = append(f.renders, render)
	return nil
}

func (f *fakeBackend) UpdateRenderByTaskID(ctx context.Context, taskID string, status models.RenderStatus, videoURL, failureReason string) (bool, error) {
	for _, r := range f.renders {
		if r.ExternalTaskID == taskID {
			r.Status = status
			r.VideoURL = videoURL
			r.FailureReason = failureReason
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) GetRendersByJobID(ctx context.Context, jobID string) ([]*models.Render, error) {
	return f.renders, nil
}

func (f *fakeBackend) SetJobExternalTask(ctx context.Context, id, taskID string) error {
	f.job.ExternalTaskID = taskID
	return nil
}

func (f *fakeBackend) Transition(ctx context.Context, jobID string, from, to models.JobStatus) error {
	if f.job.Status != from {
		return fmt.Errorf("job %s left status %s concurrently", jobID, from)
	}
	f.job.Status = to
	return nil
}

func (f *fakeBackend) RecordFailure(ctx context.Context, jobID string, cause error) (bool, error) {
	f.job.RetryCount++
	if f.job.RetryCount < f.job.MaxRetries {
		return true, nil
	}
	f.job.Status = models.JobStatusFailed
	f.job.ErrorMsg = cause.Error()
	return false, nil
}

type fakeProvider struct {
	tasks       map[string]*provider.Task
	kinds       map[string]provider.TaskKind
	submitted   []provider.SubmitRequest
	cancelled   []string
	failSubmits int
	finalURL    string
	onSubmit    func()
}

func newFakeProvider(finalURL string) *fakeProvider {
	return &fakeProvider{
		tasks:    make(map[string]*provider.Task),
		kinds:    make(map[string]provider.TaskKind),
		finalURL: finalURL,
	}
}

func (f *fakeProvider) SubmitTask(ctx context.Context, req provider.SubmitRequest) (*provider.Task, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.failSubmits > 0 {
		f.failSubmits--
		return nil, fmt.Errorf("provider returned 503: overloaded")
	}
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("task-%d", len(f.submitted))
	task := &provider.Task{ID: id, Status: "running"}
	f.tasks[id] = task
	f.kinds[id] = req.Kind
	return task, nil
}

// GetTask finishes tasks on first poll: clips get a URL derived from
// the task ID, the stitch task gets the final video URL.
func (f *fakeProvider) GetTask(ctx context.Context, taskID string) (*provider.Task, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	if task.Status != "completed" {
		task.Status = "completed"
		if f.kinds[taskID] == provider.TaskKindStitch {
			task.VideoURL = f.finalURL
		} else {
			task.VideoURL = "https://clips.example.com/" + taskID + ".mp4"
		}
	}
	return task, nil
}

func (f *fakeProvider) CancelTask(ctx context.Context, taskID string) error {
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type fakeObjects struct {
	uploads map[string][]byte
	missing map[string]bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: make(map[string][]byte), missing: make(map[string]bool)}
}

func (f *fakeObjects) Exists(ctx context.Context, bucket, objectName string) (bool, error) {
	return !f.missing[objectName], nil
}

func (f *fakeObjects) PresignedURL(ctx context.Context, bucket, objectName string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + objectName, nil
}

func (f *fakeObjects) Upload(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.uploads[bucket+"/"+objectName] = data
	return nil
}

func (f *fakeObjects) DefaultBucket() string { return "render-output" }

func newPipeline(t *testing.T, backend *fakeBackend, prov *fakeProvider, objects *fakeObjects) *Pipeline {
	t.Helper()
	logger, err := logging.NewLogger(logging.Config{Level: "error"})
	require.NoError(t, err)

	return &Pipeline{
		cfg: &config.Config{
			Storage:  config.StorageConfig{UploadBucket: "host-uploads", PresignExpiry: time.Minute},
			Provider: config.ProviderConfig{PollInterval: time.Millisecond},
		},
		repo:     backend,
		stages:   backend,
		provider: prov,
		store:    objects,
		http:     http.DefaultClient,
		logger:   logger,
	}
}

func queuedJob() *models.Job {
	return &models.Job{
		ID:         "job-1",
		OwnerID:    "owner-1",
		ResourceID: "res-1",
		TemplateID: "tpl-1",
		Status:     models.JobStatusQueued,
		MaxRetries: 3,
	}
}

func slotAssets(slots ...string) []*models.JobAsset {
	assets := make([]*models.JobAsset, len(slots))
	for i, slot := range slots {
		assets[i] = &models.JobAsset{
			JobID:       "job-1",
			Slot:        slot,
			Filename:    slot + ".png",
			StoragePath: "owner-1/res-1/" + slot + ".png",
			Selected:    true,
		}
	}
	return assets
}

func videoServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPipeline_DeliversJob(t *testing.T) {
	srv := videoServer(t, []byte("stitched-video"))
	prov := newFakeProvider(srv.URL + "/final.mp4")
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior", "pool")}
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.NoError(t, p.Process(context.Background(), queuedJob()))

	assert.Equal(t, models.JobStatusDelivered, backend.job.Status)

	// Two clip tasks then one stitch task, clips in manifest order.
	require.Len(t, prov.submitted, 3)
	assert.Equal(t, provider.TaskKindClip, prov.submitted[0].Kind)
	assert.Equal(t, provider.TaskKindClip, prov.submitted[1].Kind)
	assert.Equal(t, provider.TaskKindStitch, prov.submitted[2].Kind)
	assert.Equal(t, []string{
		"https://clips.example.com/task-1.mp4",
		"https://clips.example.com/task-2.mp4",
	}, prov.submitted[2].ClipURLs)

	require.Len(t, backend.renders, 2)
	assert.Equal(t, "exterior", backend.renders[0].Slot)
	assert.Equal(t, models.RenderStatusCompleted, backend.renders[0].Status)
	assert.Equal(t, "task-3", backend.job.ExternalTaskID)

	objects := p.store.(*fakeObjects)
	assert.Equal(t, []byte("stitched-video"), objects.uploads["render-output/owner-1/res-1/job-1.mp4"])
}

func TestPipeline_ResumesAfterTransientProviderFailure(t *testing.T) {
	srv := videoServer(t, []byte("stitched-video"))
	prov := newFakeProvider(srv.URL + "/final.mp4")
	prov.failSubmits = 1
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior", "pool")}
	p := newPipeline(t, backend, prov, newFakeObjects())

	// First delivery fails at clip submission and is requeued with the
	// job parked in generating_clips.
	err := p.Process(context.Background(), queuedJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider returned 503")
	assert.Equal(t, models.JobStatusGeneratingClips, backend.job.Status)
	assert.Equal(t, 1, backend.job.RetryCount)

	// Redelivery resumes from the parked stage and re-attempts the
	// provider call instead of fighting the state machine from queued.
	require.NoError(t, p.Process(context.Background(), queuedJob()))
	assert.Equal(t, models.JobStatusDelivered, backend.job.Status)
	assert.Equal(t, 1, backend.job.RetryCount)
	assert.Len(t, prov.submitted, 3)
}

func TestPipeline_ExhaustionSurfacesProviderError(t *testing.T) {
	prov := newFakeProvider("")
	prov.failSubmits = 3
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior")}
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.Error(t, p.Process(context.Background(), queuedJob()))
	require.Error(t, p.Process(context.Background(), queuedJob()))
	// Third attempt exhausts the budget and acknowledges the message.
	require.NoError(t, p.Process(context.Background(), queuedJob()))

	assert.Equal(t, models.JobStatusFailed, backend.job.Status)
	assert.Equal(t, 3, backend.job.RetryCount)
	assert.Contains(t, backend.job.ErrorMsg, "provider returned 503")
	assert.NotContains(t, backend.job.ErrorMsg, "left status")
}

func TestPipeline_ResumesMidGeneration(t *testing.T) {
	srv := videoServer(t, []byte("stitched-video"))
	prov := newFakeProvider(srv.URL + "/final.mp4")
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior", "pool")}
	backend.job.Status = models.JobStatusGeneratingClips

	// One slot already finished on a prior attempt, the other failed.
	backend.renders = []*models.Render{
		{ID: "render-1", JobID: "job-1", Slot: "exterior", ExternalTaskID: "old-1",
			Status: models.RenderStatusCompleted, VideoURL: "https://clips.example.com/old-1.mp4"},
		{ID: "render-2", JobID: "job-1", Slot: "pool", ExternalTaskID: "old-2",
			Status: models.RenderStatusFailed, FailureReason: "worker crash"},
	}
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.NoError(t, p.Process(context.Background(), queuedJob()))
	assert.Equal(t, models.JobStatusDelivered, backend.job.Status)

	// Only the failed slot got a fresh task; the finished clip is kept
	// and the stitch still follows manifest order.
	require.Len(t, prov.submitted, 2)
	assert.Equal(t, provider.TaskKindClip, prov.submitted[0].Kind)
	assert.Equal(t, provider.TaskKindStitch, prov.submitted[1].Kind)
	assert.Equal(t, []string{
		"https://clips.example.com/old-1.mp4",
		"https://clips.example.com/task-1.mp4",
	}, prov.submitted[1].ClipURLs)
}

func TestPipeline_ResumesAtStitching(t *testing.T) {
	srv := videoServer(t, []byte("stitched-video"))
	prov := newFakeProvider(srv.URL + "/final.mp4")
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior", "pool")}
	backend.job.Status = models.JobStatusStitching
	backend.renders = []*models.Render{
		{ID: "render-1", JobID: "job-1", Slot: "pool", ExternalTaskID: "old-2",
			Status: models.RenderStatusCompleted, VideoURL: "https://clips.example.com/pool.mp4"},
		{ID: "render-2", JobID: "job-1", Slot: "exterior", ExternalTaskID: "old-1",
			Status: models.RenderStatusCompleted, VideoURL: "https://clips.example.com/exterior.mp4"},
	}
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.NoError(t, p.Process(context.Background(), queuedJob()))
	assert.Equal(t, models.JobStatusDelivered, backend.job.Status)

	require.Len(t, prov.submitted, 1)
	assert.Equal(t, provider.TaskKindStitch, prov.submitted[0].Kind)
	assert.Equal(t, []string{
		"https://clips.example.com/exterior.mp4",
		"https://clips.example.com/pool.mp4",
	}, prov.submitted[0].ClipURLs)
}

func TestPipeline_ResumesAtUploading(t *testing.T) {
	srv := videoServer(t, []byte("stitched-video"))
	prov := newFakeProvider("")
	prov.tasks["stitch-1"] = &provider.Task{
		ID: "stitch-1", Status: "completed", VideoURL: srv.URL + "/final.mp4",
	}
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior")}
	backend.job.Status = models.JobStatusUploading
	backend.job.ExternalTaskID = "stitch-1"
	objects := newFakeObjects()
	p := newPipeline(t, backend, prov, objects)

	require.NoError(t, p.Process(context.Background(), queuedJob()))
	assert.Equal(t, models.JobStatusDelivered, backend.job.Status)
	assert.Empty(t, prov.submitted)
	assert.Equal(t, []byte("stitched-video"), objects.uploads["render-output/owner-1/res-1/job-1.mp4"])
}

func TestPipeline_CancelledDuringGeneration(t *testing.T) {
	prov := newFakeProvider("")
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior", "pool")}
	prov.onSubmit = func() { backend.job.Status = models.JobStatusCancelled }
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.NoError(t, p.Process(context.Background(), queuedJob()))

	assert.Equal(t, models.JobStatusCancelled, backend.job.Status)
	assert.Len(t, prov.cancelled, 2)
	for _, req := range prov.submitted {
		assert.Equal(t, provider.TaskKindClip, req.Kind)
	}
}

func TestPipeline_DropsFinishedJob(t *testing.T) {
	prov := newFakeProvider("")
	backend := &fakeBackend{job: queuedJob(), assets: slotAssets("exterior")}
	backend.job.Status = models.JobStatusDelivered
	p := newPipeline(t, backend, prov, newFakeObjects())

	require.NoError(t, p.Process(context.Background(), queuedJob()))
	assert.Empty(t, prov.submitted)
	assert.Equal(t, 0, backend.job.RetryCount)
}
