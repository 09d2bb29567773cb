package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antaewoong/stayrender/internal/admission"
	"github.com/antaewoong/stayrender/internal/config"
	"github.com/antaewoong/stayrender/internal/database"
	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/metrics"
	"github.com/antaewoong/stayrender/internal/middleware"
	"github.com/antaewoong/stayrender/internal/storage"
	"github.com/antaewoong/stayrender/internal/validation"
	"github.com/antaewoong/stayrender/pkg/models"
)

// submitEndpoint names the guarded submission endpoint in rate-limit and
// idempotency keys.
const submitEndpoint = "render_jobs_create"

// clipCostUSD is the per-clip price quoted back to the owner.
const clipCostUSD = 0.45

// JobService is the orchestration surface the handlers need.
type JobService interface {
	Create(ctx context.Context, params jobs.CreateParams) (*models.Job, error)
	GetStatus(ctx context.Context, jobID string) (*jobs.StatusDocument, error)
	Cancel(ctx context.Context, jobID, reason string) (*models.Job, error)
}

// OwnerStore resolves resources, templates and render callbacks.
type OwnerStore interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	TemplateExists(ctx context.Context, id string) (bool, error)
	UpdateRenderByTaskID(ctx context.Context, taskID string, status models.RenderStatus, videoURL, failureReason string) (bool, error)
	Health(ctx context.Context) error
}

// AssetFetcher reads uploaded asset bytes for validation.
type AssetFetcher interface {
	DownloadBytes(ctx context.Context, bucket, objectName string) ([]byte, error)
}

// CleanupRunner executes one administrative retention pass.
type CleanupRunner interface {
	Run(ctx context.Context, req storage.CleanupRequest) (*storage.CleanupReport, error)
}

// Handlers holds the API dependencies.
type Handlers struct {
	cfg       *config.Config
	jobs      JobService
	store     OwnerStore
	assets    AssetFetcher
	cleanup   CleanupRunner
	limiter   *admission.RateLimiter
	guard     *admission.IdempotencyGuard
	quota     *admission.QuotaManager
	validator *validation.Validator
	gateway   *storage.SecurityGateway
	logger    *logging.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(
	cfg *config.Config,
	jobSvc JobService,
	store OwnerStore,
	assets AssetFetcher,
	cleanup CleanupRunner,
	limiter *admission.RateLimiter,
	guard *admission.IdempotencyGuard,
	quota *admission.QuotaManager,
	validator *validation.Validator,
	gateway *storage.SecurityGateway,
	logger *logging.Logger,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		jobs:      jobSvc,
		store:     store,
		assets:    assets,
		cleanup:   cleanup,
		limiter:   limiter,
		guard:     guard,
		quota:     quota,
		validator: validator,
		gateway:   gateway,
		logger:    logger,
	}
}

// SubmitRenderJob runs the full admission path: rate limit, idempotency
// reservation, ownership, content validation, quota, then job creation.
// Each gate short-circuits before the next one runs, so a rejected
// request never consumes quota or leaves partial job state.
func (h *Handlers) SubmitRenderJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "MISSING_PARAMETERS",
		})
		return
	}
	if req.ResourceID == "" || req.TemplateID == "" || req.OwnerID == "" || len(req.Manifest) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "resourceId, templateId, ownerId and a non-empty manifest are required",
			"code":  "MISSING_PARAMETERS",
		})
		return
	}

	callerID, ok := middleware.GetOwnerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	kind := admission.KindDirect
	if callerID != req.OwnerID {
		if !middleware.IsAdmin(c) {
			h.logger.LogAdmissionRejection(callerID, "ownership", "FORBIDDEN", false)
			c.JSON(http.StatusForbidden, gin.H{
				"error": "you may only submit jobs for your own account",
				"code":  "FORBIDDEN",
			})
			return
		}
		kind = admission.KindDelegated
	}

	// Stage 1: rate limit.
	decision, err := h.limiter.Admit(ctx, submitEndpoint, admission.Identity{
		admission.DimensionOwner:    req.OwnerID,
		admission.DimensionResource: req.ResourceID,
		admission.DimensionClientIP: c.ClientIP(),
	})
	if err != nil {
		h.internalError(c, "rate limit check failed", err)
		return
	}
	setRateHeaders(c, decision)
	if !decision.Allowed {
		metrics.AdmissionDecisionsTotal.WithLabelValues("rate_limit", "rejected").Inc()
		metrics.RateLimitRejectionsTotal.WithLabelValues(submitEndpoint, string(decision.Dimension)).Inc()
		h.logger.LogAdmissionRejection(req.OwnerID, "rate_limit", "RATE_LIMIT_EXCEEDED", false)
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "too many submissions, slow down",
			"code":  "RATE_LIMIT_EXCEEDED",
			"details": gin.H{
				"dimension":  decision.Dimension,
				"retryAfter": int(decision.RetryAfter.Seconds() + 1),
			},
		})
		return
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("rate_limit", "allowed").Inc()

	// Fetch the uploaded bytes once; they feed both the dedup key and
	// content validation. Paths go through the security gateway first.
	uploads, digests, ok := h.fetchUploads(c, &req)
	if !ok {
		return
	}

	// Stage 2: idempotency reservation.
	key := admission.ComputeKey(submitEndpoint, req.OwnerID, req.ResourceID, req.TemplateID, digests)
	cached, state, err := h.guard.Reserve(ctx, key)
	if err != nil {
		h.internalError(c, "idempotency reservation failed", err)
		return
	}
	switch state {
	case admission.Replay:
		metrics.IdempotencyOutcomesTotal.WithLabelValues("replay").Inc()
		c.Data(http.StatusCreated, "application/json; charset=utf-8", cached)
		return
	case admission.InFlight:
		metrics.IdempotencyOutcomesTotal.WithLabelValues("inflight").Inc()
		c.JSON(http.StatusConflict, gin.H{
			"error": "an identical submission is already being processed",
			"code":  "DUPLICATE_IN_FLIGHT",
		})
		return
	}
	metrics.IdempotencyOutcomesTotal.WithLabelValues("reserved").Inc()

	// Stage 3: ownership.
	resource, err := h.store.GetResource(ctx, req.ResourceID)
	if errors.Is(err, database.ErrResourceNotFound) {
		h.releaseReservation(ctx, key)
		c.JSON(http.StatusNotFound, gin.H{
			"error": "resource not found",
			"code":  "RESOURCE_NOT_FOUND",
		})
		return
	}
	if err != nil {
		h.releaseReservation(ctx, key)
		h.internalError(c, "resource lookup failed", err)
		return
	}
	if resource.OwnerID != req.OwnerID {
		h.releaseReservation(ctx, key)
		metrics.AdmissionDecisionsTotal.WithLabelValues("ownership", "rejected").Inc()
		h.logger.LogAdmissionRejection(req.OwnerID, "ownership", "FORBIDDEN", false)
		c.JSON(http.StatusForbidden, gin.H{
			"error": "resource does not belong to this owner",
			"code":  "FORBIDDEN",
		})
		return
	}
	exists, err := h.store.TemplateExists(ctx, req.TemplateID)
	if err != nil {
		h.releaseReservation(ctx, key)
		h.internalError(c, "template lookup failed", err)
		return
	}
	if !exists {
		h.releaseReservation(ctx, key)
		c.JSON(http.StatusNotFound, gin.H{
			"error": "template not found",
			"code":  "TEMPLATE_NOT_FOUND",
		})
		return
	}

	// Stage 4: content validation. Runs before quota so an invalid
	// upload never costs the owner a run.
	mv := h.validator.ValidateSlots(uploads, h.slotPolicies(), h.defaultPolicy(), req.ConsentGiven)
	if !mv.IsValid {
		h.releaseReservation(ctx, key)
		metrics.AdmissionDecisionsTotal.WithLabelValues("validation", "rejected").Inc()
		h.logger.LogAdmissionRejection(req.OwnerID, "validation", "VALIDATION_FAILED", false)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "asset validation failed",
			"code":  "VALIDATION_FAILED",
			"validation": gin.H{
				"is_valid": false,
				"errors":   mv.AllErrors(),
				"slots":    mv.Slots,
			},
		})
		return
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("validation", "allowed").Inc()

	// Stage 5: quota.
	quotaResult, err := h.quota.TryIncrement(ctx, req.OwnerID, kind)
	if err != nil {
		h.releaseReservation(ctx, key)
		h.internalError(c, "quota check failed", err)
		return
	}
	if !quotaResult.Incremented {
		h.releaseReservation(ctx, key)
		metrics.QuotaDecisionsTotal.WithLabelValues("exhausted").Inc()
		h.logger.LogAdmissionRejection(req.OwnerID, "quota", "quota_exceeded", false)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":          "weekly render quota exhausted",
			"code":           "quota_exceeded",
			"next_available": quotaResult.NextAvailable,
			"quota": admission.QuotaStatus{
				Used:      quotaResult.Total,
				Remaining: 0,
				ResetDate: quotaResult.NextAvailable,
			},
		})
		return
	}
	metrics.QuotaDecisionsTotal.WithLabelValues("allowed").Inc()

	// Stage 6: create the job. Quota is given back if this fails.
	job, err := h.jobs.Create(ctx, jobs.CreateParams{
		OwnerID:           req.OwnerID,
		ResourceID:        req.ResourceID,
		TemplateID:        req.TemplateID,
		Manifest:          req.Manifest,
		Validation:        mv,
		DedupKey:          key,
		MaxRetries:        h.cfg.Admission.MaxRetries,
		EstimatedDuration: h.cfg.Admission.EstimatedDuration,
		StoragePathFor: func(slot, filename string) string {
			return h.uploadPath(req.OwnerID, req.ResourceID, filename)
		},
	})
	if err != nil {
		if rerr := h.quota.Release(ctx, req.OwnerID, kind); rerr != nil {
			h.logger.WithOwnerID(req.OwnerID).ErrorWithErr("failed to release quota after create failure", rerr)
		}
		h.releaseReservation(ctx, key)
		h.internalError(c, "job creation failed", err)
		return
	}
	metrics.JobsCreatedTotal.Inc()
	metrics.JobsInProgress.Inc()

	quotaStatus, err := h.quota.Status(ctx, req.OwnerID)
	if err != nil {
		h.logger.WithOwnerID(req.OwnerID).ErrorWithErr("failed to read quota status", err)
		quotaStatus = &admission.QuotaStatus{}
	}

	selected := mv.SelectedCount()
	body := gin.H{
		"success": true,
		"job": gin.H{
			"id":                job.ID,
			"status":            job.Status,
			"estimatedDuration": int(h.cfg.Admission.EstimatedDuration.Seconds()),
			"selectedImages":    selected,
			"totalCost":         float64(selected) * clipCostUSD,
		},
		"validation": mv,
		"quota":      quotaStatus,
	}

	// The exact bytes sent now are what an idempotent replay must
	// return, so marshal once and store before responding.
	raw, err := json.Marshal(body)
	if err != nil {
		h.internalError(c, "response encoding failed", err)
		return
	}
	if err := h.guard.Complete(ctx, key, raw); err != nil {
		h.logger.WithJobID(job.ID).ErrorWithErr("failed to store idempotency record", err)
	}
	c.Data(http.StatusCreated, "application/json; charset=utf-8", raw)
}

// GetRenderJob returns the poller-facing status document.
func (h *Handlers) GetRenderJob(c *gin.Context) {
	doc, err := h.jobs.GetStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "code": "JOB_NOT_FOUND"})
		return
	}
	if err != nil {
		h.internalError(c, "job status lookup failed", err)
		return
	}

	selected := 0
	for _, a := range doc.Assets {
		if a.Selected {
			selected++
		}
	}

	job := gin.H{
		"id":                  doc.Job.ID,
		"status":              doc.Job.Status,
		"resourceName":        doc.ResourceName,
		"templateId":          doc.Job.TemplateID,
		"createdAt":           doc.Job.CreatedAt,
		"updatedAt":           doc.Job.UpdatedAt,
		"estimatedCompletion": doc.Job.EstimatedCompletion,
		"progress":            doc.Progress,
		"assets": gin.H{
			"total":    len(doc.Assets),
			"selected": selected,
			"assets":   doc.Assets,
		},
		"renders": doc.Renders,
	}
	if doc.Job.ErrorMsg != "" {
		job["error"] = doc.Job.ErrorMsg
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// CancelRenderJob cancels a job when its status allows it.
func (h *Handlers) CancelRenderJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.jobs.Cancel(c.Request.Context(), jobID, "cancelled by owner")
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "code": "JOB_NOT_FOUND"})
		return
	}
	var notCancellable *jobs.NotCancellableError
	if errors.As(err, &notCancellable) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":               "job can no longer be cancelled",
			"code":                "JOB_NOT_CANCELLABLE",
			"currentStatus":       notCancellable.Current,
			"cancellableStatuses": jobs.CancellableStatuses,
		})
		return
	}
	if err != nil {
		h.internalError(c, "job cancellation failed", err)
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusCancelled)).Inc()
	metrics.JobsInProgress.Dec()

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "render job cancelled",
		"jobId":       job.ID,
		"cancelledAt": job.UpdatedAt,
	})
}

// GetQuotaStatus returns the owner's current-period usage read-only.
func (h *Handlers) GetQuotaStatus(c *gin.Context) {
	ownerID := c.Param("id")

	callerID, _ := middleware.GetOwnerID(c)
	if callerID != ownerID && !middleware.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "you may only view your own quota",
			"code":  "FORBIDDEN",
		})
		return
	}

	status, err := h.quota.Status(c.Request.Context(), ownerID)
	if err != nil {
		h.internalError(c, "quota status lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": status, "ceiling": h.quota.Ceiling()})
}

// renderCallbackRequest is the provider's progress report body.
type renderCallbackRequest struct {
	TaskID   string `json:"task_id" binding:"required"`
	Status   string `json:"status" binding:"required"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// RenderCallback records provider progress against a render row. The
// worker's polling loop covers providers that never call back.
func (h *Handlers) RenderCallback(c *gin.Context) {
	var req renderCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id and status are required"})
		return
	}

	status := models.RenderStatusPending
	switch req.Status {
	case "completed", "succeeded":
		status = models.RenderStatusCompleted
	case "failed", "error":
		status = models.RenderStatusFailed
	case "running", "processing":
		status = models.RenderStatusRunning
	}

	found, err := h.store.UpdateRenderByTaskID(c.Request.Context(), req.TaskID, status, req.VideoURL, req.Error)
	if err != nil {
		h.internalError(c, "render callback update failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task", "code": "TASK_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// cleanupRequest is the administrative cleanup body. maxAge is a
// duration string overriding the bucket's configured retention.
type cleanupRequest struct {
	Bucket string `json:"bucket" binding:"required"`
	MaxAge string `json:"maxAge"`
	DryRun bool   `json:"dryRun"`
}

// StorageCleanup runs one retention pass over a bucket.
func (h *Handlers) StorageCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket is required"})
		return
	}

	var maxAge time.Duration
	if req.MaxAge != "" {
		parsed, err := time.ParseDuration(req.MaxAge)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid maxAge %q", req.MaxAge)})
			return
		}
		maxAge = parsed
	}

	report, err := h.cleanup.Run(c.Request.Context(), storage.CleanupRequest{
		Bucket: req.Bucket,
		MaxAge: maxAge,
		DryRun: req.DryRun,
	})
	if err != nil {
		h.internalError(c, "storage cleanup failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Health reports process and database liveness.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fetchUploads resolves every manifest entry to validated storage paths
// and downloaded bytes. Writes the error response itself and returns
// ok=false when anything is rejected.
func (h *Handlers) fetchUploads(c *gin.Context, req *models.SubmitJobRequest) ([]validation.SlotUpload, []admission.AssetDigest, bool) {
	ctx := c.Request.Context()
	bucket := h.cfg.Storage.UploadBucket

	uploads := make([]validation.SlotUpload, 0, len(req.Manifest))
	digests := make([]admission.AssetDigest, 0, len(req.Manifest))

	for _, entry := range req.Manifest {
		path := h.uploadPath(req.OwnerID, req.ResourceID, entry.File)
		if err := h.gateway.ValidatePath(bucket, path, req.OwnerID, req.ResourceID); err != nil {
			h.logger.LogAdmissionRejection(req.OwnerID, "storage_path", "INVALID_STORAGE_PATH", true)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "storage path rejected",
				"code":  "INVALID_STORAGE_PATH",
				"file":  entry.File,
			})
			return nil, nil, false
		}

		data, err := h.assets.DownloadBytes(ctx, bucket, path)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("uploaded asset %q could not be read", entry.File),
				"code":  "ASSET_NOT_FOUND",
				"file":  entry.File,
			})
			return nil, nil, false
		}

		sum := sha256.Sum256(data)
		uploads = append(uploads, validation.SlotUpload{
			Slot:     entry.Slot,
			Filename: entry.File,
			Data:     data,
		})
		digests = append(digests, admission.AssetDigest{
			Slot:     entry.Slot,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	return uploads, digests, true
}

// uploadPath builds the namespaced object path for one uploaded file.
func (h *Handlers) uploadPath(ownerID, resourceID, filename string) string {
	return ownerID + "/" + resourceID + "/" + filename
}

// defaultPolicy derives the content policy from configuration.
func (h *Handlers) defaultPolicy() validation.Policy {
	v := h.cfg.Validation
	return validation.Policy{
		AllowedMimeTypes:  v.AllowedMimeTypes,
		AllowedExtensions: v.AllowedExtensions,
		MinFileSizeBytes:  v.MinFileSizeBytes,
		MaxFileSizeBytes:  v.MaxFileSizeBytes,
		MinWidth:          v.MinWidth,
		MinHeight:         v.MinHeight,
	}
}

// slotPolicies overrides the default for slots that require subject
// consent.
func (h *Handlers) slotPolicies() map[string]validation.Policy {
	policies := make(map[string]validation.Policy, len(h.cfg.Validation.ConsentSlots))
	for _, slot := range h.cfg.Validation.ConsentSlots {
		p := h.defaultPolicy()
		p.RequireConsent = true
		policies[slot] = p
	}
	return policies
}

func (h *Handlers) releaseReservation(ctx context.Context, key string) {
	if err := h.guard.Release(ctx, key); err != nil {
		h.logger.ErrorWithErr("failed to release idempotency reservation", err)
	}
}

func (h *Handlers) internalError(c *gin.Context, msg string, err error) {
	h.logger.ErrorWithErr(msg, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "code": "INTERNAL_ERROR"})
}

func setRateHeaders(c *gin.Context, d *admission.Decision) {
	if d.Remaining >= 0 {
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}
