package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/jobqueue"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Concurrency is the maximum number of in-flight extractions.
	Concurrency int

	// RateLimit caps extraction calls per second. Zero means unlimited.
	RateLimit float64

	// ExtractTimeout bounds one extraction call. Zero means no bound.
	ExtractTimeout time.Duration

	// ClaimBackoff is the pause after a failed claim before claiming again.
	ClaimBackoff time.Duration

	// Logger receives job lifecycle events. Nil disables logging.
	Logger *zap.Logger
}

// DefaultWorkerConfig returns the defaults applied to zero values.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  1,
		ClaimBackoff: time.Second,
	}
}

// WorkerStats counts jobs finished by a Worker.
type WorkerStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Worker claims jobs and runs the extractor on them.
//
// Each claimed job is processed exactly once: success moves it to completed,
// any error (including a panic in the extractor) moves it to failed. Nothing
// is retried.
type Worker struct {
	store     jobqueue.Store
	extractor extract.Extractor
	cfg       WorkerConfig
	limiter   *rate.Limiter
	log       *zap.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker.
func NewWorker(store jobqueue.Store, extractor extract.Extractor, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = def.ClaimBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	w := &Worker{
		store:     store,
		extractor: extractor,
		cfg:       cfg,
		log:       log,
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return w
}

// Run claims and processes jobs until ctx is cancelled or the store is
// closed. In-flight jobs are finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	defer w.log.Info("worker stopped",
		zap.Int64("completed", w.completed.Load()),
		zap.Int64("failed", w.failed.Load()),
	)

	for {
		// A slot is held before claiming so no job is claimed that cannot
		// start immediately.
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		job, err := w.store.Claim(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil || errors.Is(err, jobqueue.ErrClosed) {
				return nil
			}
			w.log.Warn("claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ClaimBackoff):
			}
			continue
		}

		wg.Add(1)
		go func(job *jobqueue.Job) {
			defer wg.Done()
			defer func() { <-sem }()

			// Claimed jobs run to completion even when Run is cancelled.
			_ = w.Process(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// Process runs extraction for a claimed job and records the outcome.
//
// It returns an error wrapping ErrExtractionFailed when the job was
// recorded as failed, or the store error when the outcome could not be
// recorded.
func (w *Worker) Process(ctx context.Context, job *jobqueue.Job) error {
	start := time.Now()
	log := w.log.With(zap.String("job_id", job.ID), zap.String("input_ref", job.Payload.InputRef))
	log.Info("job started", zap.String("language", job.Payload.Language))

	fields, err := w.extract(ctx, job)
	if err != nil {
		reason := failureText(err.Error())
		if ferr := w.store.Fail(ctx, job.ID, reason); ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr), zap.String("reason", reason))
			return fmt.Errorf("record failure of job %s: %w", job.ID, ferr)
		}
		w.failed.Add(1)
		log.Warn("job failed", zap.String("reason", reason), zap.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("%w: %s", ErrExtractionFailed, reason)
	}

	result := Normalize(fields, job.Payload.Language)
	if err := w.store.Complete(ctx, job.ID, result); err != nil {
		log.Error("failed to record job result", zap.Error(err))
		return fmt.Errorf("record result of job %s: %w", job.ID, err)
	}
	w.completed.Add(1)
	log.Info("job completed",
		zap.String("title", result.Title),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// RunOnce claims a single job and processes it. It blocks until a job is
// available or ctx is done.
func (w *Worker) RunOnce(ctx context.Context) (*jobqueue.Job, error) {
	job, err := w.store.Claim(ctx)
	if err != nil {
		return nil, err
	}
	perr := w.Process(context.WithoutCancel(ctx), job)
	final, err := w.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, errors.Join(perr, err)
	}
	return final, perr
}

// Stats returns counters for jobs finished so far.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{Completed: w.completed.Load(), Failed: w.failed.Load()}
}

func (w *Worker) extract(ctx context.Context, job *jobqueue.Job) (fields *extract.Fields, err error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if w.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExtractTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			fields = nil
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()

	fields, err = w.extractor.Extract(ctx, extract.Request{
		InputRef: job.Payload.InputRef,
		Language: job.Payload.Language,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && w.cfg.ExtractTimeout > 0 {
			return nil, fmt.Errorf("extraction timed out after %s", w.cfg.ExtractTimeout)
		}
		if strings.TrimSpace(err.Error()) == "" {
			return nil, ErrExtractionFailed
		}
		return nil, err
	}
	return fields, nil
}
