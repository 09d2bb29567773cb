package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/antaewoong/stayrender/internal/jobs"
	"github.com/antaewoong/stayrender/pkg/models"
)

// ErrResourceNotFound is returned for unknown resource IDs.
var ErrResourceNotFound = errors.New("resource not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks database connectivity.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Resources

// GetResource retrieves a resource by ID
func (r *Repository) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var resource models.Resource

	query := `
		SELECT id, owner_id, name, created_at
		FROM resources
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&resource.ID, &resource.OwnerID, &resource.Name, &resource.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return &resource, nil
}

// TemplateExists reports whether a render template is known.
func (r *Repository) TemplateExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM render_templates WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check template: %w", err)
	}
	return exists, nil
}

// Jobs

// CreateJobWithAssets persists a job and its asset rows in one
// transaction so a crash can never leave a job without provenance.
func (r *Repository) CreateJobWithAssets(ctx context.Context, job *models.Job, assets []*models.JobAsset) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO jobs (id, owner_id, resource_id, template_id, status, dedup_key,
		                  retry_count, max_retries, estimated_completion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		job.ID, job.OwnerID, job.ResourceID, job.TemplateID, job.Status,
		job.DedupKey, job.RetryCount, job.MaxRetries, job.EstimatedCompletion,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for _, asset := range assets {
		if asset.ID == "" {
			asset.ID = uuid.New().String()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_assets (id, job_id, filename, slot, storage_path, selected_for_generation)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, asset.ID, asset.JobID, asset.Filename, asset.Slot, asset.StoragePath, asset.Selected)
		if err != nil {
			return fmt.Errorf("failed to create job asset: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job

	query := `
		SELECT id, owner_id, resource_id, template_id, status, dedup_key,
		       external_task_id, error_msg, cancel_reason, retry_count, max_retries,
		       estimated_completion, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.OwnerID, &job.ResourceID, &job.TemplateID, &job.Status,
		&job.DedupKey, &job.ExternalTaskID, &job.ErrorMsg, &job.CancelReason,
		&job.RetryCount, &job.MaxRetries, &job.EstimatedCompletion,
		&job.CreatedAt, &job.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// TransitionJob conditionally moves a job to a new status. The WHERE
// clause makes concurrent transitions race-safe: whoever loses sees
// moved=false.
func (r *Repository) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, errMsg, cancelReason string) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	query := `
		UPDATE jobs
		SET status = $2,
		    error_msg = CASE WHEN $3 <> '' THEN $3 ELSE error_msg END,
		    cancel_reason = CASE WHEN $4 <> '' THEN $4 ELSE cancel_reason END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, to, errMsg, cancelReason, fromStrs)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// SetJobExternalTask records the provider's opaque task handle.
func (r *Repository) SetJobExternalTask(ctx context.Context, id, taskID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE jobs SET external_task_id = $2, updated_at = NOW() WHERE id = $1`,
		id, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to set external task: %w", err)
	}
	return nil
}

// IncrementJobRetry bumps the retry counter and records the error,
// returning the updated job so the caller can compare against
// max_retries.
func (r *Repository) IncrementJobRetry(ctx context.Context, id string, errMsg string) (*models.Job, error) {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET retry_count = retry_count + 1, error_msg = $2, updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to increment retry count: %w", err)
	}

	return r.GetJob(ctx, id)
}

// Job Assets

// GetAssetsByJobID retrieves all assets for a job
func (r *Repository) GetAssetsByJobID(ctx context.Context, jobID string) ([]*models.JobAsset, error) {
	query := `
		SELECT id, job_id, filename, slot, storage_path, selected_for_generation, created_at
		FROM job_assets
		WHERE job_id = $1
		ORDER BY slot
	`

	rows, err := r.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.JobAsset
	for rows.Next() {
		var asset models.JobAsset
		err := rows.Scan(
			&asset.ID, &asset.JobID, &asset.Filename, &asset.Slot,
			&asset.StoragePath, &asset.Selected, &asset.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job asset: %w", err)
		}
		assets = append(assets, &asset)
	}

	return assets, nil
}

// Renders

// CreateRender creates a render record for a delegated task
func (r *Repository) CreateRender(ctx context.Context, render *models.Render) error {
	if render.ID == "" {
		render.ID = uuid.New().String()
	}

	query := `
		INSERT INTO renders (id, job_id, slot, external_task_id, status, video_url, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		render.ID, render.JobID, render.Slot, render.ExternalTaskID, render.Status,
		render.VideoURL, render.FailureReason,
	).Scan(&render.CreatedAt, &render.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create render: %w", err)
	}

	return nil
}

// UpdateRenderByTaskID records provider progress against a render row.
func (r *Repository) UpdateRenderByTaskID(ctx context.Context, taskID string, status models.RenderStatus, videoURL, failureReason string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE renders
		SET status = $2, video_url = $3, failure_reason = $4, updated_at = NOW()
		WHERE external_task_id = $1
	`, taskID, status, videoURL, failureReason)
	if err != nil {
		return false, fmt.Errorf("failed to update render: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRendersByJobID retrieves all renders for a job
func (r *Repository) GetRendersByJobID(ctx context.Context, jobID string) ([]*models.Render, error) {
	query := `
		SELECT id, job_id, slot, external_task_id, status, video_url, failure_reason,
		       created_at, updated_at
		FROM renders
		WHERE job_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get renders: %w", err)
	}
	defer rows.Close()

	var renders []*models.Render
	for rows.Next() {
		var render models.Render
		err := rows.Scan(
			&render.ID, &render.JobID, &render.Slot, &render.ExternalTaskID, &render.Status,
			&render.VideoURL, &render.FailureReason, &render.CreatedAt, &render.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render: %w", err)
		}
		renders = append(renders, &render)
	}

	return renders, nil
}
