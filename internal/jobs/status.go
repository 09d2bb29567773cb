package jobs

import (
	"fmt"

	"github.com/antaewoong/stayrender/pkg/models"
)

// transitions is the closed set of legal status moves. Anything not
// listed here is rejected, including skips over intermediate stages.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:          {models.JobStatusValidating, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusValidating:      {models.JobStatusGeneratingClips, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusGeneratingClips: {models.JobStatusStitching, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusStitching:       {models.JobStatusUploading, models.JobStatusFailed},
	models.JobStatusUploading:       {models.JobStatusDelivered, models.JobStatusFailed},
	models.JobStatusDelivered:       {},
	models.JobStatusFailed:          {},
	models.JobStatusCancelled:       {},
}

// CancellableStatuses lists the states a caller may cancel from.
var CancellableStatuses = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusValidating,
	models.JobStatusGeneratingClips,
}

// CanTransition reports whether moving from one status to another is
// legal.
func CanTransition(from, to models.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s models.JobStatus) bool {
	return len(transitions[s]) == 0
}

// IsCancellable reports whether a job in this status may be cancelled.
func IsCancellable(s models.JobStatus) bool {
	for _, c := range CancellableStatuses {
		if c == s {
			return true
		}
	}
	return false
}

// Progress is the human-readable completion view for pollers.
type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Clip generation owns the 30-70% band; the fraction of terminal renders
// maps linearly into it.
const (
	clipBandStart = 30
	clipBandWidth = 40
)

// ComputeProgress derives progress deterministically from the status
// plus, during clip generation, the associated render rows.
func ComputeProgress(status models.JobStatus, renders []*models.Render) Progress {
	switch status {
	case models.JobStatusQueued:
		return Progress{Percentage: 5, Message: "Waiting in queue"}
	case models.JobStatusValidating:
		return Progress{Percentage: 15, Message: "Validating uploaded assets"}
	case models.JobStatusGeneratingClips:
		done := 0
		for _, r := range renders {
			if r.Status.Terminal() {
				done++
			}
		}
		pct := clipBandStart
		if len(renders) > 0 {
			pct = clipBandStart + clipBandWidth*done/len(renders)
		}
		return Progress{
			Percentage: pct,
			Message:    fmt.Sprintf("Rendering clips (%d/%d)", done, len(renders)),
		}
	case models.JobStatusStitching:
		return Progress{Percentage: 80, Message: "Stitching clips together"}
	case models.JobStatusUploading:
		return Progress{Percentage: 90, Message: "Uploading final video"}
	case models.JobStatusDelivered:
		return Progress{Percentage: 100, Message: "Video delivered"}
	case models.JobStatusFailed:
		return Progress{Percentage: 0, Message: "Render failed"}
	case models.JobStatusCancelled:
		return Progress{Percentage: 0, Message: "Cancelled"}
	default:
		return Progress{Percentage: 0, Message: "Unknown"}
	}
}
