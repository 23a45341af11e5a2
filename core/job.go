package core

import (
	"fmt"
	"regexp"
	"time"
)

// OutputFormat is the container format of the rendered artifact.
type OutputFormat string

const (
	FormatMP4 OutputFormat = "mp4"
	FormatMOV OutputFormat = "mov"
	FormatAVI OutputFormat = "avi"
)

// ElementType identifies the kind of media placed on a track.
type ElementType string

const (
	ElementVideo ElementType = "video"
	ElementImage ElementType = "image"
)

// FitMode controls how an element is scaled into its box.
type FitMode string

const (
	FitAuto    FitMode = "auto"
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitFill    FitMode = "fill"
)

// Admission bounds for canvas dimensions and element counts.
const (
	MinDimension = 16
	MaxDimension = 7680
	MinElements  = 1
	MaxElements  = 10
)

// percentPattern matches positioning values like "0%", "12.5%", "100%".
var percentPattern = regexp.MustCompile(`^\d+(\.\d+)?%$`)

// VideoElement is one positioned media item on a numbered track.
type VideoElement struct {
	ID        string      `json:"id" yaml:"id"`
	Type      ElementType `json:"type" yaml:"type"`
	Source    string      `json:"source" yaml:"source"`
	Track     int         `json:"track" yaml:"track"`
	X         string      `json:"x,omitempty" yaml:"x,omitempty"`
	Y         string      `json:"y,omitempty" yaml:"y,omitempty"`
	Width     string      `json:"width,omitempty" yaml:"width,omitempty"`
	Height    string      `json:"height,omitempty" yaml:"height,omitempty"`
	FitMode   FitMode     `json:"fit_mode,omitempty" yaml:"fit_mode,omitempty"`
	StartTime *float64    `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	Duration  *float64    `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// VideoJobRequest is a declarative video-composition request.
type VideoJobRequest struct {
	ID           string         `json:"id"`
	OutputFormat OutputFormat   `json:"output_format"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	Elements     []VideoElement `json:"elements"`
	Priority     string         `json:"priority,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
}

// Pixels returns the canvas area in pixels.
func (r *VideoJobRequest) Pixels() int {
	return r.Width * r.Height
}

// HasVideoElement reports whether any element is a video source.
func (r *VideoJobRequest) HasVideoElement() bool {
	for _, el := range r.Elements {
		if el.Type == ElementVideo {
			return true
		}
	}
	return false
}

// TrackCount returns the number of distinct tracks used by the request.
func (r *VideoJobRequest) TrackCount() int {
	tracks := make(map[int]struct{}, len(r.Elements))
	for _, el := range r.Elements {
		tracks[el.Track] = struct{}{}
	}
	return len(tracks)
}

// HasTransformations reports whether any element carries explicit
// positioning or sizing beyond the defaults.
func (r *VideoJobRequest) HasTransformations() bool {
	for _, el := range r.Elements {
		if (el.X != "" && el.X != "0%") || (el.Y != "" && el.Y != "0%") {
			return true
		}
		if (el.Width != "" && el.Width != "100%") || (el.Height != "" && el.Height != "100%") {
			return true
		}
		if el.FitMode != "" && el.FitMode != FitAuto {
			return true
		}
	}
	return false
}

// Normalize applies element defaults in place: "0%" offsets, "100%" sizes,
// auto fit mode. Call after Validate.
func (r *VideoJobRequest) Normalize() {
	for i := range r.Elements {
		el := &r.Elements[i]
		if el.X == "" {
			el.X = "0%"
		}
		if el.Y == "" {
			el.Y = "0%"
		}
		if el.Width == "" {
			el.Width = "100%"
		}
		if el.Height == "" {
			el.Height = "100%"
		}
		if el.FitMode == "" {
			el.FitMode = FitAuto
		}
	}
}

// Validate enforces the admission invariants. All violations wrap
// ErrValidation so handlers can map them to 4xx responses.
func (r *VideoJobRequest) Validate() error {
	switch r.OutputFormat {
	case FormatMP4, FormatMOV, FormatAVI:
	default:
		return fmt.Errorf("%w: output_format must be one of mp4, mov, avi (got %q)", ErrValidation, r.OutputFormat)
	}

	if r.Width < MinDimension || r.Width > MaxDimension {
		return fmt.Errorf("%w: width must be in [%d, %d] (got %d)", ErrValidation, MinDimension, MaxDimension, r.Width)
	}
	if r.Height < MinDimension || r.Height > MaxDimension {
		return fmt.Errorf("%w: height must be in [%d, %d] (got %d)", ErrValidation, MinDimension, MaxDimension, r.Height)
	}

	if len(r.Elements) < MinElements || len(r.Elements) > MaxElements {
		return fmt.Errorf("%w: elements count must be in [%d, %d] (got %d)", ErrValidation, MinElements, MaxElements, len(r.Elements))
	}

	seen := make(map[string]struct{}, len(r.Elements))
	for i, el := range r.Elements {
		if el.ID == "" {
			return fmt.Errorf("%w: element %d has no id", ErrValidation, i)
		}
		if _, dup := seen[el.ID]; dup {
			return fmt.Errorf("%w: duplicate element id %q", ErrValidation, el.ID)
		}
		seen[el.ID] = struct{}{}

		switch el.Type {
		case ElementVideo, ElementImage:
		default:
			return fmt.Errorf("%w: element %q type must be video or image (got %q)", ErrValidation, el.ID, el.Type)
		}

		if el.Source == "" {
			return fmt.Errorf("%w: element %q has no source", ErrValidation, el.ID)
		}

		for name, value := range map[string]string{"x": el.X, "y": el.Y, "width": el.Width, "height": el.Height} {
			if value != "" && !percentPattern.MatchString(value) {
				return fmt.Errorf("%w: element %q %s must be a percentage string (got %q)", ErrValidation, el.ID, name, value)
			}
		}

		switch el.FitMode {
		case "", FitAuto, FitContain, FitCover, FitFill:
		default:
			return fmt.Errorf("%w: element %q fit_mode must be one of auto, contain, cover, fill (got %q)", ErrValidation, el.ID, el.FitMode)
		}
	}

	return nil
}

// JobStatus is the queue's view of a job's lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true for completed, failed, or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobRecord is the persisted view of one job.
//
// Invariants: progressPercent is non-decreasing until a terminal state;
// completed implies progressPercent=100 and a non-empty ResultURL;
// terminal records are frozen.
type JobRecord struct {
	ID               string           `json:"id"`
	Status           JobStatus        `json:"status"`
	Request          *VideoJobRequest `json:"request"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ProgressPercent  float64          `json:"progress_percent"`
	CurrentStep      string           `json:"current_step,omitempty"`
	ResultURL        string           `json:"result_url,omitempty"`
	FileSizeBytes    int64            `json:"file_size_bytes,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Clone returns a deep-enough copy for handing snapshots to subscribers.
// The request is shared; it is immutable after admission.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// JobPatch is an atomic partial update applied by the store. Nil fields
// are left untouched.
type JobPatch struct {
	Status           *JobStatus `json:"status,omitempty"`
	ProgressPercent  *float64   `json:"progress_percent,omitempty"`
	CurrentStep      *string    `json:"current_step,omitempty"`
	ResultURL        *string    `json:"result_url,omitempty"`
	FileSizeBytes    *int64     `json:"file_size_bytes,omitempty"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty"`
	Error            *string    `json:"error,omitempty"`
}
