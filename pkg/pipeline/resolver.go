package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/coverscan/pkg/jobqueue"
)

// Status is the caller-facing job status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"

	// StatusUnknown is reported for a stored state outside the lifecycle.
	StatusUnknown Status = "unknown"
)

// StatusEnvelope is what a polling client sees.
type StatusEnvelope struct {
	JobID  string           `json:"job_id"`
	Status Status           `json:"status"`
	Result *jobqueue.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Resolver maps stored jobs to status envelopes. It never writes.
type Resolver struct {
	store jobqueue.Store
}

func NewResolver(store jobqueue.Store) *Resolver {
	return &Resolver{store: store}
}

// Status reports the state of jobID. An unknown id yields StatusNotFound
// with a nil error; only store failures return an error.
func (r *Resolver) Status(ctx context.Context, jobID string) (*StatusEnvelope, error) {
	job, err := r.Job(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return &StatusEnvelope{JobID: jobID, Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return Envelope(job), nil
}

// Job fetches the raw job record. Returns ErrJobNotFound for unknown ids.
func (r *Resolver) Job(ctx context.Context, jobID string) (*jobqueue.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrJobNotFound
	}
	job, err := r.store.Get(ctx, jobID)
	if errors.Is(err, jobqueue.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return job, nil
}

// Envelope maps a job record to its status envelope.
func Envelope(job *jobqueue.Job) *StatusEnvelope {
	env := &StatusEnvelope{JobID: job.ID}
	switch job.State {
	case jobqueue.StateQueued, jobqueue.StateActive:
		env.Status = StatusProcessing
	case jobqueue.StateCompleted:
		env.Status = StatusCompleted
		res := jobqueue.Result{Language: job.Payload.Language}
		if job.Result != nil {
			res = *job.Result
		}
		env.Result = &res
	case jobqueue.StateFailed:
		env.Status = StatusFailed
		env.Error = failureText(job.FailedReason)
	default:
		env.Status = StatusUnknown
	}
	return env
}

func failureText(reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return ErrExtractionFailed.Error()
}
