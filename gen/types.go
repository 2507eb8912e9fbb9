// Package gen holds the domain types shared by the generation engine:
// requests, job handles, display records, and the model capability table.
package gen

import "time"

// Mode selects the kind of creation flow a request belongs to.
type Mode string

const (
	ModeTextToAsset  Mode = "text-to-asset"
	ModeImageToAsset Mode = "image-to-asset"
)

// RecordStatus is the explicit lifecycle state of a GenerationRecord.
// Placeholders are identified by status, never by id shape.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// JobStatus mirrors the states reported by the job status endpoint.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobSuccess    JobStatus = "success"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobSuccess, JobFailed:
		return true
	default:
		return false
	}
}

// Succeeded reports whether a terminal status finished with output.
func (s JobStatus) Succeeded() bool {
	return s == JobCompleted || s == JobSuccess
}

// RequestClass groups models by how long their submissions are expected to
// take just to hand back a job id. Used to pick the submit timeout.
type RequestClass string

const (
	ClassFast  RequestClass = "fast"
	ClassImage RequestClass = "image"
	ClassVideo RequestClass = "video"
)

// Settings is the snapshot of geometry/quality knobs captured with a request
// and carried onto every record produced by it.
type Settings struct {
	AspectRatio  string `json:"aspect_ratio,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	Quality      string `json:"quality,omitempty"`
	DurationSec  int    `json:"duration_seconds,omitempty"`
	Seed         *int64 `json:"seed,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// GenerationRequest is the normalized, immutable description of one creation
// attempt. Built once by BuildRequest and never mutated afterwards.
type GenerationRequest struct {
	Prompt          string
	NegativePrompt  string
	ModelID         string
	Mode            Mode
	Settings        Settings
	ReferenceAssets []string
	Variants        int
}

// JobHandle is what the submission endpoint returns for async completion.
// It lives only for the duration of one polling run.
type JobHandle struct {
	JobID        string
	GenerationID string
	Provider     string
}

// GenerationRecord is the display-facing unit the UI lists. URL is empty
// while the record is pending. ReplacesID links a final record back to the
// placeholder it reconciled.
type GenerationRecord struct {
	ID         string
	URL        string
	Prompt     string
	ModelID    string
	Mode       Mode
	Settings   Settings
	Status     RecordStatus
	CreatedAt  time.Time
	ThreadID   string
	ReplacesID string
}
