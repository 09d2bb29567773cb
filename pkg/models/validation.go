package models

// Validation error codes. Every content failure is reported with one of
// these, never a bare string, so clients can branch without parsing text.
const (
	ErrCodeInvalidMimeType     = "INVALID_MIME_TYPE"
	ErrCodeInvalidFileType     = "INVALID_FILE_TYPE"
	ErrCodeInvalidDimensions   = "INVALID_DIMENSIONS"
	ErrCodeFileTooLarge        = "FILE_TOO_LARGE"
	ErrCodeFileTooSmall        = "FILE_TOO_SMALL"
	ErrCodeOrientationMismatch = "ORIENTATION_MISMATCH"
	ErrCodeConsentRequired     = "CONSENT_REQUIRED"
	ErrCodeCorruptedFile       = "CORRUPTED_FILE"
)

// Orientation classifies an image by aspect ratio.
type Orientation string

const (
	OrientationSquare    Orientation = "square"
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

// ValidationError is one independent, field-tagged policy violation.
type ValidationError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// FileMetadata is what validation derived from the actual bytes.
type FileMetadata struct {
	RealMimeType  string      `json:"real_mime_type"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	FileSizeBytes int64       `json:"file_size_bytes"`
	AspectRatio   float64     `json:"aspect_ratio"`
	Orientation   Orientation `json:"orientation"`
	Checksum      string      `json:"checksum"`
}

// ValidationResult carries every violation found for one upload, not just
// the first, so a caller can fix everything in one round-trip.
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Metadata FileMetadata      `json:"metadata"`
}

// SlotResult pairs a manifest slot with its validation outcome.
type SlotResult struct {
	Slot     string           `json:"slot"`
	Filename string           `json:"filename"`
	Selected bool             `json:"selected"`
	Result   ValidationResult `json:"result"`
}

// ManifestValidation is the aggregate outcome over a whole manifest.
type ManifestValidation struct {
	IsValid bool         `json:"is_valid"`
	Slots   []SlotResult `json:"slots"`
}

// AllErrors flattens per-slot violations for error responses.
func (mv *ManifestValidation) AllErrors() []ValidationError {
	var errs []ValidationError
	for _, s := range mv.Slots {
		errs = append(errs, s.Result.Errors...)
	}
	return errs
}

// SelectedCount returns how many assets were selected for generation.
func (mv *ManifestValidation) SelectedCount() int {
	n := 0
	for _, s := range mv.Slots {
		if s.Selected {
			n++
		}
	}
	return n
}
