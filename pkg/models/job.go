package models

import (
	"time"
)

// JobStatus is the lifecycle state of a render job. Transitions are
// enforced by the jobs package; nothing else should compare raw strings.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusValidating      JobStatus = "validating"
	JobStatusGeneratingClips JobStatus = "generating_clips"
	JobStatusStitching       JobStatus = "stitching"
	JobStatusUploading       JobStatus = "uploading"
	JobStatusDelivered       JobStatus = "delivered"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCancelled       JobStatus = "cancelled"
)

// Job represents a video render job accepted through admission control.
type Job struct {
	ID                  string     `json:"id" db:"id"`
	OwnerID             string     `json:"owner_id" db:"owner_id"`
	ResourceID          string     `json:"resource_id" db:"resource_id"`
	TemplateID          string     `json:"template_id" db:"template_id"`
	Status              JobStatus  `json:"status" db:"status"`
	DedupKey            string     `json:"dedup_key" db:"dedup_key"`
	ExternalTaskID      string     `json:"external_task_id,omitempty" db:"external_task_id"`
	ErrorMsg            string     `json:"error_msg,omitempty" db:"error_msg"`
	CancelReason        string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	RetryCount          int        `json:"retry_count" db:"retry_count"`
	MaxRetries          int        `json:"max_retries" db:"max_retries"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty" db:"estimated_completion"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// JobAsset is the provenance record for one manifest entry. Written once
// at job creation from the validation result, never mutated afterward.
type JobAsset struct {
	ID          string    `json:"id" db:"id"`
	JobID       string    `json:"job_id" db:"job_id"`
	Filename    string    `json:"filename" db:"filename"`
	Slot        string    `json:"slot" db:"slot"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	Selected    bool      `json:"selected_for_generation" db:"selected_for_generation"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RenderStatus is the state of one delegated render task.
type RenderStatus string

const (
	RenderStatusPending   RenderStatus = "pending"
	RenderStatusRunning   RenderStatus = "running"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
)

// Terminal reports whether the render has finished, either way.
func (s RenderStatus) Terminal() bool {
	return s == RenderStatusCompleted || s == RenderStatusFailed
}

// Render is one delegated task at the external render provider. A job
// accumulates zero or more as the provider reports progress; the fraction
// of terminal renders drives progress within generating_clips.
type Render struct {
	ID             string       `json:"id" db:"id"`
	JobID          string       `json:"job_id" db:"job_id"`
	Slot           string       `json:"slot,omitempty" db:"slot"`
	ExternalTaskID string       `json:"external_task_id" db:"external_task_id"`
	Status         RenderStatus `json:"status" db:"status"`
	VideoURL       string       `json:"video_url,omitempty" db:"video_url"`
	FailureReason  string       `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Resource is a bookable property owned by a host account. The admission
// path only needs it for the ownership check.
type Resource struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ManifestEntry assigns an uploaded file to a template slot.
type ManifestEntry struct {
	Slot string `json:"slot" binding:"required"`
	File string `json:"file" binding:"required"`
}

// UploadedAsset describes one uploaded file as declared by the client.
// Declared dimensions are advisory; validation re-derives them from bytes.
type UploadedAsset struct {
	Filename string `json:"filename"`
	Slot     string `json:"slot"`
	FileSize int64  `json:"fileSize"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// SubmitJobRequest is the job submission body.
type SubmitJobRequest struct {
	ResourceID     string            `json:"resourceId"`
	TemplateID     string            `json:"templateId"`
	OwnerID        string            `json:"ownerId"`
	Manifest       []ManifestEntry   `json:"manifest"`
	UploadedAssets []UploadedAsset   `json:"uploadedAssets"`
	ConsentGiven   bool              `json:"consentGiven,omitempty"`
	CustomPrompts  map[string]string `json:"customPrompts,omitempty"`
}
