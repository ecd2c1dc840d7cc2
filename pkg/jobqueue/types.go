package jobqueue

import (
	"time"
)

// Payload is the input of a job as supplied at enqueue time.
type Payload struct {
	// InputRef is the image store key of the uploaded cover.
	InputRef string `json:"input_ref"`

	// Language is the OCR language hint.
	Language string `json:"language"`

	// Filename is the stored file name, kept for operator output.
	Filename string `json:"filename,omitempty"`
}

// Result is the normalized extraction output stored on a completed job.
//
// Every field is always present; absent values are "" or 0.
type Result struct {
	Title         string  `json:"title"`
	Author        string  `json:"author"`
	Year          string  `json:"year"`
	Publisher     string  `json:"publisher"`
	ExtractedText string  `json:"extracted_text"`
	RemainingText string  `json:"remaining_text"`
	RawText       string  `json:"raw_text"`
	Confidence    float64 `json:"confidence"`
	Language      string  `json:"language"`
}

// Job is the persistent job record.
type Job struct {
	ID      string  `json:"job_id"`
	State   State   `json:"state"`
	Payload Payload `json:"payload"`

	// Result is set only in StateCompleted.
	Result *Result `json:"result,omitempty"`

	// FailedReason is set only in StateFailed.
	FailedReason string `json:"failed_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ListOptions filters List results.
type ListOptions struct {
	// State restricts results to one state. Empty lists all states.
	State State

	// Limit caps the number of jobs returned. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 100

// EffectiveLimit returns the limit after defaults are applied.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
