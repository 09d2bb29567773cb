package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/antaewoong/stayrender/internal/logging"
	"github.com/antaewoong/stayrender/internal/metrics"
)

// deleteBatchSize bounds how many objects one cleanup pass removes at a
// time so a huge backlog cannot stall the request.
const deleteBatchSize = 100

// ObjectLister is the storage surface cleanup needs.
type ObjectLister interface {
	ListOlderThan(ctx context.Context, bucket, prefix string, cutoff time.Time) ([]ObjectInfo, error)
	Delete(ctx context.Context, bucket, objectName string) error
}

// CleanupRequest is the administrative cleanup body. MaxAge overrides
// the bucket's configured retention when positive.
type CleanupRequest struct {
	Bucket string        `json:"bucket"`
	MaxAge time.Duration `json:"maxAge,omitempty"`
	DryRun bool          `json:"dryRun,omitempty"`
}

// CleanupReport summarizes one cleanup pass. Candidates is only
// populated on dry runs.
type CleanupReport struct {
	Bucket     string   `json:"bucket"`
	Matched    int      `json:"matched"`
	Deleted    int      `json:"deleted"`
	Failed     int      `json:"failed"`
	DryRun     bool     `json:"dry_run"`
	Candidates []string `json:"candidates,omitempty"`
}

// CleanupService removes objects older than a bucket's retention under
// its policy prefix.
type CleanupService struct {
	store   ObjectLister
	gateway *SecurityGateway
	logger  *logging.Logger
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(store ObjectLister, gateway *SecurityGateway, logger *logging.Logger) *CleanupService {
	return &CleanupService{store: store, gateway: gateway, logger: logger}
}

// Run lists expired objects and deletes them in bounded batches, unless
// this is a dry run. Individual delete failures are logged and counted,
// never fatal to the pass.
func (c *CleanupService) Run(ctx context.Context, req CleanupRequest) (*CleanupReport, error) {
	policy, ok := c.gateway.Policy(req.Bucket)
	if !ok {
		return nil, fmt.Errorf("no cleanup policy for bucket %q", req.Bucket)
	}

	maxAge := req.MaxAge
	if maxAge <= 0 {
		parsed, err := time.ParseDuration(policy.Retention)
		if err != nil {
			return nil, fmt.Errorf("bucket %q has invalid retention %q: %w", req.Bucket, policy.Retention, err)
		}
		maxAge = parsed
	}

	cutoff := time.Now().Add(-maxAge)
	objects, err := c.store.ListOlderThan(ctx, req.Bucket, policy.Prefix, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired objects: %w", err)
	}

	report := &CleanupReport{
		Bucket:  req.Bucket,
		Matched: len(objects),
		DryRun:  req.DryRun,
	}

	if req.DryRun {
		for _, obj := range objects {
			report.Candidates = append(report.Candidates, obj.Key)
		}
		return report, nil
	}

	for i, obj := range objects {
		if i >= deleteBatchSize {
			c.logger.WithField("bucket", req.Bucket).
				WithField("remaining", len(objects)-i).
				Info("cleanup batch limit reached, remainder left for next pass")
			break
		}
		if err := c.store.Delete(ctx, req.Bucket, obj.Key); err != nil {
			report.Failed++
			c.logger.WithField("bucket", req.Bucket).
				WithField("key", obj.Key).
				ErrorWithErr("failed to delete expired object", err)
			continue
		}
		report.Deleted++
		metrics.StorageCleanupDeletedTotal.WithLabelValues(req.Bucket).Inc()
	}

	return report, nil
}
