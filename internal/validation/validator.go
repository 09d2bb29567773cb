package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/antaewoong/stayrender/pkg/models"
)

// Policy is the per-slot content policy an upload must satisfy.
type Policy struct {
	AllowedMimeTypes  []string
	AllowedExtensions []string
	MinFileSizeBytes  int64
	MaxFileSizeBytes  int64
	MinWidth          int
	MaxWidth          int
	MinHeight         int
	MaxHeight         int
	Orientation       models.Orientation // empty means any
	RequireConsent    bool
}

// SlotUpload is one manifest entry with its raw bytes.
type SlotUpload struct {
	Slot     string
	Filename string
	Data     []byte
}

// Validator performs binary content validation. It is pure over bytes and
// policy and safe for concurrent use.
type Validator struct{}

// New creates a content validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks one upload against a policy. Every applicable check runs
// even after the first failure; the result carries the full violation list.
func (v *Validator) Validate(data []byte, declaredName string, policy Policy, consentGiven bool) models.ValidationResult {
	var errs []models.ValidationError

	sum := sha256.Sum256(data)
	meta := models.FileMetadata{
		FileSizeBytes: int64(len(data)),
		Checksum:      hex.EncodeToString(sum[:]),
	}

	if len(data) == 0 {
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeCorruptedFile,
			Message: "file is empty",
			Field:   "file",
		})
		meta.RealMimeType = MimeBin
		return models.ValidationResult{IsValid: false, Errors: errs, Metadata: meta}
	}

	meta.RealMimeType = DetectMimeType(data)

	if len(policy.AllowedMimeTypes) > 0 && !contains(policy.AllowedMimeTypes, meta.RealMimeType) {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidMimeType,
			Message:  "detected file type is not allowed",
			Field:    "file",
			Expected: strings.Join(policy.AllowedMimeTypes, ", "),
			Actual:   meta.RealMimeType,
		})
	}

	// The declared extension is checked independently of the sniffed type
	// so a mislabelled file reports both problems at once.
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(declaredName), "."))
	if len(policy.AllowedExtensions) > 0 && !contains(policy.AllowedExtensions, ext) {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidFileType,
			Message:  "file extension is not allowed",
			Field:    "filename",
			Expected: strings.Join(policy.AllowedExtensions, ", "),
			Actual:   ext,
		})
	}

	if policy.MinFileSizeBytes > 0 && meta.FileSizeBytes < policy.MinFileSizeBytes {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeFileTooSmall,
			Message:  "file is smaller than the minimum allowed size",
			Field:    "fileSize",
			Expected: fmt.Sprintf("%d bytes or more", policy.MinFileSizeBytes),
			Actual:   fmt.Sprintf("%d bytes", meta.FileSizeBytes),
		})
	}
	if policy.MaxFileSizeBytes > 0 && meta.FileSizeBytes > policy.MaxFileSizeBytes {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeFileTooLarge,
			Message:  "file exceeds the maximum allowed size",
			Field:    "fileSize",
			Expected: fmt.Sprintf("%d bytes or less", policy.MaxFileSizeBytes),
			Actual:   fmt.Sprintf("%d bytes", meta.FileSizeBytes),
		})
	}

	width, height, dimErr := ExtractDimensions(data, meta.RealMimeType)
	switch {
	case dimErr == nil:
		meta.Width = width
		meta.Height = height
		meta.AspectRatio = float64(width) / float64(height)
		meta.Orientation = classifyOrientation(meta.AspectRatio)
		errs = append(errs, v.checkDimensions(meta, policy)...)
	case meta.RealMimeType != MimeBin:
		// A recognized image format whose header will not parse is corrupt.
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeCorruptedFile,
			Message: "file header could not be parsed",
			Field:   "file",
			Actual:  dimErr.Error(),
		})
	}

	if policy.RequireConsent && !consentGiven {
		errs = append(errs, models.ValidationError{
			Code:    models.ErrCodeConsentRequired,
			Message: "this slot requires explicit subject consent",
			Field:   "consent",
		})
	}

	return models.ValidationResult{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Metadata: meta,
	}
}

func (v *Validator) checkDimensions(meta models.FileMetadata, policy Policy) []models.ValidationError {
	var errs []models.ValidationError

	if policy.MinWidth > 0 && meta.Width < policy.MinWidth {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidDimensions,
			Message:  "image width is below the minimum",
			Field:    "width",
			Expected: fmt.Sprintf("%dpx or more", policy.MinWidth),
			Actual:   fmt.Sprintf("%dpx", meta.Width),
		})
	}
	if policy.MaxWidth > 0 && meta.Width > policy.MaxWidth {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidDimensions,
			Message:  "image width is above the maximum",
			Field:    "width",
			Expected: fmt.Sprintf("%dpx or less", policy.MaxWidth),
			Actual:   fmt.Sprintf("%dpx", meta.Width),
		})
	}
	if policy.MinHeight > 0 && meta.Height < policy.MinHeight {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidDimensions,
			Message:  "image height is below the minimum",
			Field:    "height",
			Expected: fmt.Sprintf("%dpx or more", policy.MinHeight),
			Actual:   fmt.Sprintf("%dpx", meta.Height),
		})
	}
	if policy.MaxHeight > 0 && meta.Height > policy.MaxHeight {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeInvalidDimensions,
			Message:  "image height is above the maximum",
			Field:    "height",
			Expected: fmt.Sprintf("%dpx or less", policy.MaxHeight),
			Actual:   fmt.Sprintf("%dpx", meta.Height),
		})
	}
	if policy.Orientation != "" && meta.Orientation != policy.Orientation {
		errs = append(errs, models.ValidationError{
			Code:     models.ErrCodeOrientationMismatch,
			Message:  "image orientation does not match the slot requirement",
			Field:    "orientation",
			Expected: string(policy.Orientation),
			Actual:   string(meta.Orientation),
		})
	}

	return errs
}

// ValidateSlots applies per-slot policies across a manifest. A slot with
// no configured policy falls back to the default policy. Valid uploads are
// marked selected for generation.
func (v *Validator) ValidateSlots(uploads []SlotUpload, policies map[string]Policy, defaultPolicy Policy, consentGiven bool) *models.ManifestValidation {
	mv := &models.ManifestValidation{IsValid: true}

	for _, up := range uploads {
		policy, ok := policies[up.Slot]
		if !ok {
			policy = defaultPolicy
		}

		result := v.Validate(up.Data, up.Filename, policy, consentGiven)
		if !result.IsValid {
			mv.IsValid = false
		}

		mv.Slots = append(mv.Slots, models.SlotResult{
			Slot:     up.Slot,
			Filename: up.Filename,
			Selected: result.IsValid,
			Result:   result,
		})
	}

	return mv
}

// classifyOrientation buckets an aspect ratio: near-1 is square, wider
// than tall is landscape, otherwise portrait.
func classifyOrientation(aspect float64) models.Orientation {
	if math.Abs(aspect-1) < 0.1 {
		return models.OrientationSquare
	}
	if aspect > 1 {
		return models.OrientationLandscape
	}
	return models.OrientationPortrait
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
