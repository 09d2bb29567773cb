package storage

import (
	"fmt"
	"strings"

	"github.com/antaewoong/stayrender/internal/metrics"
)

// Template placeholders for bucket path policies. The matching leading
// segments of any path must equal the caller's own identifiers.
const (
	SegmentOwnerID    = "{ownerId}"
	SegmentResourceID = "{resourceId}"
)

// BucketPolicy scopes what paths a caller may touch in one bucket and
// how long its objects are retained.
type BucketPolicy struct {
	Bucket       string
	PathTemplate []string // leading segments, e.g. {ownerId}/{resourceId}
	Prefix       string   // cleanup scan prefix
	Retention    string   // e.g. "720h", parsed by cleanup
}

// PathViolation is a rejected storage path. Treated as a security
// violation, not ordinary validation: it is logged distinctly and
// counted.
type PathViolation struct {
	Path   string
	Reason string
}

func (e *PathViolation) Error() string {
	return fmt.Sprintf("invalid storage path %q: %s", e.Path, e.Reason)
}

// SecurityGateway validates that storage paths stay inside the caller's
// own owner/resource namespace. Mandatory before any upload, delete or
// signed-URL issuance.
type SecurityGateway struct {
	policies map[string]BucketPolicy
}

// NewSecurityGateway creates a gateway over the configured bucket
// policies.
func NewSecurityGateway(policies []BucketPolicy) *SecurityGateway {
	byBucket := make(map[string]BucketPolicy, len(policies))
	for _, p := range policies {
		byBucket[p.Bucket] = p
	}
	return &SecurityGateway{policies: byBucket}
}

// Policy returns the policy for a bucket.
func (g *SecurityGateway) Policy(bucket string) (BucketPolicy, bool) {
	p, ok := g.policies[bucket]
	return p, ok
}

// ValidatePath rejects traversal and any path that resolves outside the
// caller's namespace. A nil return means the path is safe for this
// caller in this bucket.
func (g *SecurityGateway) ValidatePath(bucket, path, ownerID, resourceID string) error {
	if path == "" {
		return g.violation(path, "empty path")
	}
	if strings.HasPrefix(path, "/") {
		return g.violation(path, "leading separator")
	}
	if strings.Contains(path, "\\") {
		return g.violation(path, "backslash separator")
	}
	if strings.Contains(path, "..") {
		return g.violation(path, "traversal sequence")
	}

	policy, ok := g.policies[bucket]
	if !ok {
		return g.violation(path, fmt.Sprintf("unknown bucket %q", bucket))
	}

	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" {
			return g.violation(path, "empty path segment")
		}
	}
	if len(segments) <= len(policy.PathTemplate) {
		return g.violation(path, "path shorter than namespace template")
	}

	for i, tmpl := range policy.PathTemplate {
		want := tmpl
		switch tmpl {
		case SegmentOwnerID:
			want = ownerID
		case SegmentResourceID:
			want = resourceID
		}
		if segments[i] != want {
			return g.violation(path, fmt.Sprintf("segment %d escapes caller namespace", i))
		}
	}

	return nil
}

func (g *SecurityGateway) violation(path, reason string) error {
	metrics.StoragePathViolationsTotal.Inc()
	return &PathViolation{Path: path, Reason: reason}
}
