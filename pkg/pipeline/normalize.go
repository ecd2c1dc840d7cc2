package pipeline

import (
	"math"

	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/jobqueue"
)

// Normalize converts extractor output into a job result. Missing text
// becomes "", a missing or non-finite confidence becomes 0, and language
// echoes the job's hint.
func Normalize(f *extract.Fields, language string) jobqueue.Result {
	if f == nil {
		f = &extract.Fields{}
	}
	confidence := f.Confidence
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		confidence = 0
	}
	return jobqueue.Result{
		Title:         f.Title,
		Author:        f.Author,
		Year:          string(f.Year),
		Publisher:     f.Publisher,
		ExtractedText: f.ExtractedText,
		RemainingText: f.RemainingText,
		RawText:       f.RawOCRText,
		Confidence:    confidence,
		Language:      language,
	}
}
