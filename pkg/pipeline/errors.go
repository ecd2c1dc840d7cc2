package pipeline

import (
	"errors"
	"fmt"

	"github.com/3leaps/coverscan/pkg/jobqueue"
)

var (
	// ErrQueueUnavailable indicates the job store could not be reached or
	// refused the write. No job exists when Submit returns it.
	ErrQueueUnavailable = errors.New("job queue unavailable")

	// ErrJobNotFound indicates the job id is unknown or has been evicted.
	ErrJobNotFound = fmt.Errorf("job %w", jobqueue.ErrNotFound)

	// ErrExtractionFailed marks a job that ended in the failed state.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrInvalidInput indicates a request the pipeline cannot accept.
	ErrInvalidInput = errors.New("invalid input")
)
