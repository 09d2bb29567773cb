package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antaewoong/stayrender/internal/admission"
	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/database"
	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/middleware"
	"github.com/antaewoong/stayrender/internal/storage"
	"github.com/antaewoong/stayrender/internal/validation"
	"github.com/antaewoong/stayrender/pkg/models"
)

// fakes

type fakeJobService struct {
	created    []jobs.CreateParams
	docs       map[string]*jobs.StatusDocument
	cancelable map[string]models.JobStatus
	failCreate bool
}

func newFakeJobService() *fakeJobService {
	return &fakeJobService{
		docs:       make(map[string]*jobs.StatusDocument),
		cancelable: make(map[string]models.JobStatus),
	}
}

func (f *fakeJobService) Create(ctx context.Context, params jobs.CreateParams) (*models.Job, error) {
	if f.failCreate {
		return nil, fmt.Errorf("database down")
	}
	f.created = append(f.created, params)
	return &models.Job{
		ID:      fmt.Sprintf("job-%d", len(f.created)),
		OwnerID: params.OwnerID,
		Status:  models.JobStatusQueued,
	}, nil
}

func (f *fakeJobService) GetStatus(ctx context.Context, jobID string) (*jobs.StatusDocument, error) {
	doc, ok := f.docs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return doc, nil
}

func (f *fakeJobService) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	status, ok := f.cancelable[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if !jobs.IsCancellable(status) {
		return nil, &jobs.NotCancellableError{Current: status}
	}
	return &models.Job{ID: jobID, Status: models.JobStatusCancelled, UpdatedAt: time.Now()}, nil
}

type fakeOwnerStore struct {
	resources map[string]*models.Resource
	templates map[string]bool
	updated   map[string]models.RenderStatus
}

func (f *fakeOwnerStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	res, ok := f.resources[id]
	if !ok {
		return nil, database.ErrResourceNotFound
	}
	return res, nil
}

func (f *fakeOwnerStore) TemplateExists(ctx context.Context, id string) (bool, error) {
	return f.templates[id], nil
}

func (f *fakeOwnerStore) UpdateRenderByTaskID(ctx context.Context, taskID string, status models.RenderStatus, videoURL, failureReason string) (bool, error) {
	_, known := f.updated[taskID]
	if !known {
		return false, nil
	}
	f.updated[taskID] = status
	return true, nil
}

func (f *fakeOwnerStore) Health(ctx context.Context) error { return nil }

type fakeAssets struct {
	files map[string][]byte
}

func (f *fakeAssets) DownloadBytes(ctx context.Context, bucket, objectName string) ([]byte, error) {
	data, ok := f.files[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return data, nil
}

type fakeCleanup struct {
	lastReq storage.CleanupRequest
}

func (f *fakeCleanup) Run(ctx context.Context, req storage.CleanupRequest) (*storage.CleanupReport, error) {
	f.lastReq = req
	return &storage.CleanupReport{Bucket: req.Bucket, Matched: 2, Deleted: 2, DryRun: req.DryRun}, nil
}

// fixture

type apiFixture struct {
	router  *gin.Engine
	jobsSvc *fakeJobService
	store   *fakeOwnerStore
	assets  *fakeAssets
	cleanup *fakeCleanup
	guard   *admission.IdempotencyGuard
	quota   *admission.QuotaManager
	mr      *miniredis.Miniredis
	cfg     *config.Config
}

func pngBytes(w, h int) []byte {
	data := []byte("\x89PNG\r\n\x1a\n")
	data = append(data, 0, 0, 0, 13)
	data = append(data, []byte("IHDR")...)
	data = binary.BigEndian.AppendUint32(data, uint32(w))
	data = binary.BigEndian.AppendUint32(data, uint32(h))
	return append(data, 8, 6, 0, 0, 0)
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{UploadBucket: "host-uploads"},
		Admission: config.AdmissionConfig{
			Timezone:          "Asia/Seoul",
			QuotaCeiling:      2,
			IdempotencyWindow: 10 * time.Minute,
			MaxRetries:        3,
			EstimatedDuration: 8 * time.Minute,
			OwnerLimit:        10,
			OwnerWindow:       time.Minute,
		},
		Validation: config.ValidationConfig{
			AllowedMimeTypes:  []string{"image/jpeg", "image/png"},
			AllowedExtensions: []string{"jpg", "jpeg", "png"},
			MinWidth:          1920,
			MinHeight:         1080,
			ConsentSlots:      []string{"people"},
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock, err := admission.NewPeriodClock(cfg.Admission.Timezone)
	require.NoError(t, err)

	logger, err := logging.NewLogger(logging.Config{Level: "error"})
	require.NoError(t, err)

	limiter := admission.NewRateLimiter(client, map[string][]admission.DimensionLimit{
		submitEndpoint: {
			{Dimension: admission.DimensionOwner, Limit: cfg.Admission.OwnerLimit, Window: cfg.Admission.OwnerWindow},
		},
	})
	guard := admission.NewIdempotencyGuard(client, cfg.Admission.IdempotencyWindow)
	quota := admission.NewQuotaManager(client, clock, cfg.Admission.QuotaCeiling)
	gateway := storage.NewSecurityGateway([]storage.BucketPolicy{{
		Bucket:       "host-uploads",
		PathTemplate: []string{storage.SegmentOwnerID, storage.SegmentResourceID},
		Retention:    "720h",
	}})

	jobsSvc := newFakeJobService()
	store := &fakeOwnerStore{
		resources: map[string]*models.Resource{
			"res-1": {ID: "res-1", OwnerID: "owner-1", Name: "Seaside Villa"},
		},
		templates: map[string]bool{"tpl-1": true},
		updated:   make(map[string]models.RenderStatus),
	}
	assets := &fakeAssets{files: map[string][]byte{
		"owner-1/res-1/exterior.png": pngBytes(1920, 1080),
	}}
	cleanup := &fakeCleanup{}

	h := NewHandlers(cfg, jobsSvc, store, assets, cleanup,
		limiter, guard, quota, validation.New(), gateway, logger)

	// Test auth shim: identity comes from headers instead of a JWT.
	auth := func(c *gin.Context) {
		caller := c.GetHeader("X-Test-Caller")
		if caller == "" {
			caller = "owner-1"
		}
		c.Set(middleware.AuthContextKey, caller)
		c.Set(middleware.AdminContextKey, c.GetHeader("X-Test-Admin") == "true")
	}

	r := gin.New()
	r.POST("/api/v1/render-jobs", auth, h.SubmitRenderJob)
	r.GET("/api/v1/render-jobs/:id", auth, h.GetRenderJob)
	r.DELETE("/api/v1/render-jobs/:id", auth, h.CancelRenderJob)
	r.GET("/api/v1/owners/:id/quota", auth, h.GetQuotaStatus)
	r.POST("/api/v1/callbacks/render", h.RenderCallback)
	r.POST("/api/v1/admin/storage/cleanup", auth, h.StorageCleanup)
	r.GET("/health", h.Health)

	return &apiFixture{
		router:  r,
		jobsSvc: jobsSvc,
		store:   store,
		assets:  assets,
		cleanup: cleanup,
		guard:   guard,
		quota:   quota,
		mr:      mr,
		cfg:     cfg,
	}
}

func submitBody(files ...string) map[string]interface{} {
	manifest := make([]map[string]string, len(files))
	for i, f := range files {
		manifest[i] = map[string]string{"slot": fmt.Sprintf("slot-%d", i), "file": f}
	}
	return map[string]interface{}{
		"resourceId": "res-1",
		"templateId": "tpl-1",
		"ownerId":    "owner-1",
		"manifest":   manifest,
	}
}

func (f *apiFixture) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) submit(body interface{}) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/api/v1/render-jobs", body, nil)
}

// submission tests

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Job     struct {
			ID             string  `json:"id"`
			Status         string  `json:"status"`
			SelectedImages int     `json:"selectedImages"`
			TotalCost      float64 `json:"totalCost"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "job-1", resp.Job.ID)
	assert.Equal(t, "queued", resp.Job.Status)
	assert.Equal(t, 1, resp.Job.SelectedImages)
	assert.InDelta(t, clipCostUSD, resp.Job.TotalCost, 0.001)

	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	require.Len(t, f.jobsSvc.created, 1)
	assert.Equal(t, "owner-1/res-1/exterior.png", f.jobsSvc.created[0].StoragePathFor("slot-0", "exterior.png"))
}

func TestSubmit_MissingParameters(t *testing.T) {
	f := newFixture(t, testConfig())

	body := submitBody("exterior.png")
	delete(body, "templateId")

	w := f.submit(body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_PARAMETERS")
	assert.Empty(t, f.jobsSvc.created)
}

func TestSubmit_UndersizedImageRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	f.assets.files["owner-1/res-1/tiny.png"] = pngBytes(100, 100)

	w := f.submit(submitBody("tiny.png"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, models.ErrCodeInvalidDimensions)
	assert.Contains(t, body, "1920px or more")
	assert.Contains(t, body, "100px")

	// No job, and no quota charged for the invalid upload.
	assert.Empty(t, f.jobsSvc.created)
	status, err := f.quota.Status(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Used)
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	f := newFixture(t, testConfig())

	first := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, second.Code)

	// Byte-for-byte replay, one job, one quota unit.
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.NotEmpty(t, second.Header().Get("X-RateLimit-Remaining"))
	assert.Len(t, f.jobsSvc.created, 1)

	status, err := f.quota.Status(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Used)
}

func TestSubmit_ReplayWindowExpires(t *testing.T) {
	f := newFixture(t, testConfig())

	first := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, first.Code)

	f.mr.FastForward(11 * time.Minute)

	second := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Len(t, f.jobsSvc.created, 2)
}

func TestSubmit_ConcurrentDuplicateConflicts(t *testing.T) {
	f := newFixture(t, testConfig())

	// Another request holds the reservation and has not completed.
	data := f.assets.files["owner-1/res-1/exterior.png"]
	sum := sha256.Sum256(data)
	key := admission.ComputeKey(submitEndpoint, "owner-1", "res-1", "tpl-1",
		[]admission.AssetDigest{{Slot: "slot-0", Checksum: hex.EncodeToString(sum[:])}})
	_, state, err := f.guard.Reserve(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, admission.Reserved, state)

	w := f.submit(submitBody("exterior.png"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DUPLICATE_IN_FLIGHT")
	assert.Empty(t, f.jobsSvc.created)
}

func TestSubmit_QuotaExhausted(t *testing.T) {
	f := newFixture(t, testConfig())
	f.assets.files["owner-1/res-1/a.png"] = pngBytes(1920, 1080)
	f.assets.files["owner-1/res-1/b.png"] = append(pngBytes(1920, 1080), 0x01)
	f.assets.files["owner-1/res-1/c.png"] = append(pngBytes(1920, 1080), 0x02)

	for _, file := range []string{"a.png", "b.png"} {
		w := f.submit(submitBody(file))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := f.submit(submitBody("c.png"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp struct {
		Code          string    `json:"code"`
		NextAvailable time.Time `json:"next_available"`
		Quota         struct {
			Used      int64 `json:"used"`
			Remaining int64 `json:"remaining"`
		} `json:"quota"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "quota_exceeded", resp.Code)
	assert.Equal(t, time.Monday, resp.NextAvailable.Weekday())
	assert.Equal(t, int64(2), resp.Quota.Used)
	assert.Equal(t, int64(0), resp.Quota.Remaining)

	assert.Len(t, f.jobsSvc.created, 2)
}

func TestSubmit_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.OwnerLimit = 2
	cfg.Admission.QuotaCeiling = 100
	f := newFixture(t, cfg)

	for i := 0; i < 3; i++ {
		file := fmt.Sprintf("img-%d.png", i)
		f.assets.files["owner-1/res-1/"+file] = append(pngBytes(1920, 1080), byte(i))
		w := f.submit(submitBody(file))
		if i < 2 {
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	}

	assert.Len(t, f.jobsSvc.created, 2)
}

func TestSubmit_OwnershipMismatch(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.resources["res-1"].OwnerID = "owner-2"

	w := f.submit(submitBody("exterior.png"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")
}

func TestSubmit_NonAdminCannotDelegate(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodPost, "/api/v1/render-jobs", submitBody("exterior.png"),
		map[string]string{"X-Test-Caller": "owner-9"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmit_AdminDelegates(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodPost, "/api/v1/render-jobs", submitBody("exterior.png"),
		map[string]string{"X-Test-Caller": "admin-1", "X-Test-Admin": "true"})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestSubmit_UnknownResource(t *testing.T) {
	f := newFixture(t, testConfig())

	body := submitBody("exterior.png")
	body["resourceId"] = "res-9"

	w := f.submit(body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "RESOURCE_NOT_FOUND")
}

func TestSubmit_UnknownTemplate(t *testing.T) {
	f := newFixture(t, testConfig())

	body := submitBody("exterior.png")
	body["templateId"] = "tpl-9"

	w := f.submit(body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "TEMPLATE_NOT_FOUND")
}

func TestSubmit_PathTraversalRejected(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.submit(submitBody("../owner-2/photo.png"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_STORAGE_PATH")
}

func TestSubmit_MissingAsset(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.submit(submitBody("ghost.png"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ASSET_NOT_FOUND")
}

func TestSubmit_CreateFailureReleasesQuotaAndReservation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.jobsSvc.failCreate = true

	w := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	status, err := f.quota.Status(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Used)

	// A retry after the outage is a fresh request, not a replay.
	f.jobsSvc.failCreate = false
	w = f.submit(submitBody("exterior.png"))
	assert.Equal(t, http.StatusCreated, w.Code)
}

// status and cancel tests

func TestGetJob(t *testing.T) {
	f := newFixture(t, testConfig())
	f.jobsSvc.docs["job-1"] = &jobs.StatusDocument{
		Job: &models.Job{
			ID:         "job-1",
			TemplateID: "tpl-1",
			Status:     models.JobStatusGeneratingClips,
		},
		ResourceName: "Seaside Villa",
		Progress:     jobs.Progress{Percentage: 50, Message: "Rendering clips (1/2)"},
		Assets: []*models.JobAsset{
			{Slot: "exterior", Selected: true},
			{Slot: "pool", Selected: false},
		},
	}

	w := f.do(http.MethodGet, "/api/v1/render-jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Job struct {
			Status       string `json:"status"`
			ResourceName string `json:"resourceName"`
			Progress     struct {
				Percentage int `json:"percentage"`
			} `json:"progress"`
			Assets struct {
				Total    int `json:"total"`
				Selected int `json:"selected"`
			} `json:"assets"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generating_clips", resp.Job.Status)
	assert.Equal(t, "Seaside Villa", resp.Job.ResourceName)
	assert.Equal(t, 50, resp.Job.Progress.Percentage)
	assert.Equal(t, 2, resp.Job.Assets.Total)
	assert.Equal(t, 1, resp.Job.Assets.Selected)
}

func TestGetJob_Unknown(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodGet, "/api/v1/render-jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, testConfig())
	f.jobsSvc.cancelable["job-1"] = models.JobStatusQueued

	w := f.do(http.MethodDelete, "/api/v1/render-jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "job-1")
	assert.Contains(t, w.Body.String(), "cancelledAt")
}

func TestCancelJob_OutsideCancellableSet(t *testing.T) {
	f := newFixture(t, testConfig())
	f.jobsSvc.cancelable["job-1"] = models.JobStatusUploading

	w := f.do(http.MethodDelete, "/api/v1/render-jobs/job-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "uploading")
	assert.Contains(t, body, "cancellableStatuses")
}

func TestCancelJob_Unknown(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodDelete, "/api/v1/render-jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// quota, callback, cleanup

func TestQuotaStatusEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.submit(submitBody("exterior.png"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodGet, "/api/v1/owners/owner-1/quota", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Quota   admission.QuotaStatus `json:"quota"`
		Ceiling int64                 `json:"ceiling"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Quota.Used)
	assert.Equal(t, int64(1), resp.Quota.Remaining)
	assert.Equal(t, int64(2), resp.Ceiling)
}

func TestQuotaStatusEndpoint_OtherOwnerForbidden(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodGet, "/api/v1/owners/owner-2/quota", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Admins may inspect anyone's quota.
	w = f.do(http.MethodGet, "/api/v1/owners/owner-2/quota", nil,
		map[string]string{"X-Test-Caller": "admin-1", "X-Test-Admin": "true"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRenderCallback(t *testing.T) {
	f := newFixture(t, testConfig())
	f.store.updated["task-1"] = models.RenderStatusPending

	w := f.do(http.MethodPost, "/api/v1/callbacks/render", map[string]string{
		"task_id":   "task-1",
		"status":    "completed",
		"video_url": "https://cdn.example.com/clip.mp4",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RenderStatusCompleted, f.store.updated["task-1"])
}

func TestRenderCallback_UnknownTask(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodPost, "/api/v1/callbacks/render", map[string]string{
		"task_id": "ghost", "status": "completed",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStorageCleanupEndpoint(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodPost, "/api/v1/admin/storage/cleanup", map[string]interface{}{
		"bucket": "host-uploads",
		"maxAge": "24h",
		"dryRun": true,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "host-uploads", f.cleanup.lastReq.Bucket)
	assert.Equal(t, 24*time.Hour, f.cleanup.lastReq.MaxAge)
	assert.True(t, f.cleanup.lastReq.DryRun)
}

func TestStorageCleanupEndpoint_InvalidMaxAge(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodPost, "/api/v1/admin/storage/cleanup", map[string]interface{}{
		"bucket": "host-uploads",
		"maxAge": "soon",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
