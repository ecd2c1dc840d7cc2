// Package jobqueue defines the durable job store shared by the submission
// gateway, the status resolver, and the worker loop.
//
// The store is the only shared mutable resource of the pipeline. All
// mutation goes through Enqueue, Claim, Complete, and Fail; backends enforce
// the lifecycle so a terminal job is never rewritten.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no job exists for the id (never issued or evicted).
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates the job is not in a state that allows
	// the requested transition.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("job store closed")
)

// Store is a durable queue of job records.
//
// Implementations must be safe for concurrent use by many goroutines and
// processes sharing the same backend.
type Store interface {
	// Enqueue creates one job in StateQueued and returns it with its id.
	Enqueue(ctx context.Context, payload Payload) (*Job, error)

	// Get returns the job for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Claim blocks until a queued job is available, moves it to StateActive,
	// and returns it. At most one caller ever receives a given job.
	// It returns ctx.Err() when ctx is cancelled while waiting.
	Claim(ctx context.Context) (*Job, error)

	// Complete moves an active job to StateCompleted with result.
	// Returns ErrInvalidTransition if the job is not active.
	Complete(ctx context.Context, id string, result Result) error

	// Fail moves an active job to StateFailed with reason.
	// Returns ErrInvalidTransition if the job is not active.
	Fail(ctx context.Context, id string, reason string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Lister is implemented by stores that can enumerate jobs.
type Lister interface {
	// List returns jobs newest first.
	List(ctx context.Context, opts ListOptions) ([]Job, error)
}

// Pruner is implemented by stores that apply a retention policy on demand.
type Pruner interface {
	// Prune deletes terminal jobs finished before cutoff and returns the count.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
