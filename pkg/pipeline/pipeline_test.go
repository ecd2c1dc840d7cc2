package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/jobqueue/sqlqueue"
	"github.com/3leaps/coverscan/pkg/sqlstore"
)

func newStore(t *testing.T) *sqlqueue.Queue {
	t.Helper()
	q, err := sqlqueue.Open(context.Background(), sqlstore.Config{Path: ":memory:"}, sqlqueue.Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// brokenStore fails every call it overrides.
type brokenStore struct {
	jobqueue.Store
	err error
}

func (b brokenStore) Enqueue(context.Context, jobqueue.Payload) (*jobqueue.Job, error) {
	return nil, b.err
}

func (b brokenStore) Get(context.Context, string) (*jobqueue.Job, error) {
	return nil, b.err
}

func claim(t *testing.T, store jobqueue.Store) *jobqueue.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := store.Claim(ctx)
	require.NoError(t, err)
	return job
}

func fixed(f *extract.Fields) extract.Extractor {
	return extract.Func(func(context.Context, extract.Request) (*extract.Fields, error) {
		return f, nil
	})
}

func failing(err error) extract.Extractor {
	return extract.Func(func(context.Context, extract.Request) (*extract.Fields, error) {
		return nil, err
	})
}

func TestGateway_SubmitThenStatusIsProcessing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := NewGateway(store, "")
	res := NewResolver(store)

	for i := 0; i < 5; i++ {
		id, err := gw.Submit(ctx, fmt.Sprintf("cover-%d.jpg", i), "")
		require.NoError(t, err)
		require.NotEmpty(t, id)

		env, err := res.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, env.Status)
		assert.Equal(t, id, env.JobID)
		assert.Nil(t, env.Result)
		assert.Empty(t, env.Error)
	}
}

func TestGateway_DefaultLanguage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	id, err := NewGateway(store, "").Submit(ctx, "a.jpg", "  ")
	require.NoError(t, err)
	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, job.Payload.Language)
	assert.Equal(t, "a.jpg", job.Payload.Filename)

	id, err = NewGateway(store, "en").Submit(ctx, "b.jpg", "")
	require.NoError(t, err)
	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "en", job.Payload.Language)

	id, err = NewGateway(store, "en").Submit(ctx, "c.jpg", "de")
	require.NoError(t, err)
	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "de", job.Payload.Language)
}

func TestGateway_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewGateway(newStore(t), "").Submit(ctx, " ", "ru")
	assert.ErrorIs(t, err, ErrInvalidInput)

	down := brokenStore{err: errors.New("dial tcp: connection refused")}
	_, err = NewGateway(down, "").Submit(ctx, "a.jpg", "ru")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResolver_NeverIssuedIsNotFound(t *testing.T) {
	ctx := context.Background()
	res := NewResolver(newStore(t))

	for _, id := range []string{"does-not-exist", "", "42"} {
		env, err := res.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusNotFound, env.Status)
		assert.Nil(t, env.Result)
	}

	_, err := res.Job(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
}

func TestResolver_StoreFailure(t *testing.T) {
	res := NewResolver(brokenStore{err: errors.New("timeout")})
	_, err := res.Status(context.Background(), "1")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestEnvelope_Mapping(t *testing.T) {
	tests := []struct {
		name string
		job  jobqueue.Job
		want StatusEnvelope
	}{
		{
			name: "queued",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateQueued},
			want: StatusEnvelope{JobID: "1", Status: StatusProcessing},
		},
		{
			name: "active",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateActive},
			want: StatusEnvelope{JobID: "1", Status: StatusProcessing},
		},
		{
			name: "completed",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateCompleted, Result: &jobqueue.Result{Title: "Dune"}},
			want: StatusEnvelope{JobID: "1", Status: StatusCompleted, Result: &jobqueue.Result{Title: "Dune"}},
		},
		{
			name: "completed without stored result",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateCompleted, Payload: jobqueue.Payload{Language: "ru"}},
			want: StatusEnvelope{JobID: "1", Status: StatusCompleted, Result: &jobqueue.Result{Language: "ru"}},
		},
		{
			name: "failed",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateFailed, FailedReason: "ocr timeout"},
			want: StatusEnvelope{JobID: "1", Status: StatusFailed, Error: "ocr timeout"},
		},
		{
			name: "failed without reason",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateFailed},
			want: StatusEnvelope{JobID: "1", Status: StatusFailed, Error: "extraction failed"},
		},
		{
			name: "unknown state",
			job:  jobqueue.Job{ID: "1", State: jobqueue.StateUnknown},
			want: StatusEnvelope{JobID: "1", Status: StatusUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			assert.Equal(t, &tt.want, Envelope(&job))
		})
	}
}

func TestWorker_CompletedCarriesFullResult(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id, err := NewGateway(store, "").Submit(ctx, "dune.jpg", "en")
	require.NoError(t, err)

	// Only title is supplied; everything else must be defaulted.
	w := NewWorker(store, fixed(&extract.Fields{Title: "Dune"}), WorkerConfig{})
	require.NoError(t, w.Process(ctx, claim(t, store)))

	env, err := NewResolver(store).Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, env.Status)
	require.NotNil(t, env.Result)
	assert.Equal(t, "Dune", env.Result.Title)
	assert.Equal(t, "en", env.Result.Language)

	b, err := json.Marshal(env.Result)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{"title", "author", "year", "publisher", "extracted_text", "remaining_text", "raw_text", "confidence"} {
		v, ok := m[key]
		assert.True(t, ok, key)
		assert.NotNil(t, v, key)
	}
	assert.Equal(t, WorkerStats{Completed: 1}, w.Stats())
}

func TestWorker_NilFieldsCompleteWithDefaults(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id, err := NewGateway(store, "").Submit(ctx, "blank.jpg", "")
	require.NoError(t, err)

	require.NoError(t, NewWorker(store, fixed(nil), WorkerConfig{}).Process(ctx, claim(t, store)))

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, job.State)
	assert.Equal(t, jobqueue.Result{Language: DefaultLanguage}, *job.Result)
}

func TestWorker_FailureRecordsReason(t *testing.T) {
	tests := []struct {
		name      string
		extractor extract.Extractor
		want      string
	}{
		{"error message", failing(errors.New("ocr service status 422: blurry image")), "ocr service status 422: blurry image"},
		{"empty message", failing(errors.New("")), "extraction failed"},
		{"panic", extract.Func(func(context.Context, extract.Request) (*extract.Fields, error) {
			panic("boom")
		}), "extractor panic: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			id, err := NewGateway(store, "").Submit(ctx, "a.jpg", "")
			require.NoError(t, err)

			w := NewWorker(store, tt.extractor, WorkerConfig{})
			err = w.Process(ctx, claim(t, store))
			assert.ErrorIs(t, err, ErrExtractionFailed)

			env, err := NewResolver(store).Status(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, env.Status)
			assert.Equal(t, tt.want, env.Error)
			assert.Nil(t, env.Result)
			assert.Equal(t, WorkerStats{Failed: 1}, w.Stats())
		})
	}
}

func TestWorker_TerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id, err := NewGateway(store, "").Submit(ctx, "a.jpg", "")
	require.NoError(t, err)

	require.NoError(t, NewWorker(store, fixed(&extract.Fields{Title: "Dune"}), WorkerConfig{}).Process(ctx, claim(t, store)))

	// A second outcome for the same job is refused.
	err = store.Fail(ctx, id, "late failure")
	assert.ErrorIs(t, err, jobqueue.ErrInvalidTransition)

	env, err := NewResolver(store).Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, env.Status)
	assert.Empty(t, env.Error)
}

func TestWorker_ExtractTimeout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id, err := NewGateway(store, "").Submit(ctx, "slow.jpg", "")
	require.NoError(t, err)

	slow := extract.Func(func(ctx context.Context, _ extract.Request) (*extract.Fields, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := NewWorker(store, slow, WorkerConfig{ExtractTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, w.Process(ctx, claim(t, store)), ErrExtractionFailed)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, job.State)
	assert.Contains(t, job.FailedReason, "timed out")
}

func TestWorker_RunProcessesAllJobsWithinConcurrency(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := NewGateway(store, "")

	const jobs = 12
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		id, err := gw.Submit(ctx, fmt.Sprintf("c%02d.jpg", i), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var inFlight, maxInFlight atomic.Int64
	var mu sync.Mutex
	seen := map[string]int{}
	ex := extract.Func(func(_ context.Context, req extract.Request) (*extract.Fields, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		mu.Lock()
		seen[req.InputRef]++
		mu.Unlock()

		time.Sleep(15 * time.Millisecond)
		if req.InputRef == "c03.jpg" {
			return nil, errors.New("unreadable cover")
		}
		return &extract.Fields{Title: req.InputRef}, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	w := NewWorker(store, ex, WorkerConfig{Concurrency: 3})
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		s := w.Stats()
		return s.Completed+s.Failed == jobs
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))
	assert.Equal(t, WorkerStats{Completed: jobs - 1, Failed: 1}, w.Stats())

	// Every job processed exactly once.
	assert.Len(t, seen, jobs)
	for ref, n := range seen {
		assert.Equal(t, 1, n, ref)
	}
	for _, id := range ids {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, job.State.IsTerminal(), id)
	}
}

func TestWorker_TwoWorkersNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := NewGateway(store, "")

	const jobs = 10
	for i := 0; i < jobs; i++ {
		_, err := gw.Submit(ctx, fmt.Sprintf("j%d.jpg", i), "")
		require.NoError(t, err)
	}

	var calls atomic.Int64
	ex := extract.Func(func(context.Context, extract.Request) (*extract.Fields, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return &extract.Fields{}, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := NewWorker(store, ex, WorkerConfig{Concurrency: 2})
	b := NewWorker(store, ex, WorkerConfig{Concurrency: 2})

	var wg sync.WaitGroup
	for _, w := range []*Worker{a, b} {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_ = w.Run(runCtx)
		}(w)
	}

	require.Eventually(t, func() bool {
		return a.Stats().Completed+b.Stats().Completed == jobs
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	assert.Equal(t, int64(jobs), calls.Load())
}

func TestWorker_RunStopsWhenStoreCloses(t *testing.T) {
	store := newStore(t)
	w := NewWorker(store, fixed(&extract.Fields{}), WorkerConfig{})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after store close")
	}
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id, err := NewGateway(store, "").Submit(ctx, "a.jpg", "")
	require.NoError(t, err)

	job, err := NewWorker(store, fixed(&extract.Fields{Title: "Dune"}), WorkerConfig{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, jobqueue.StateCompleted, job.State)
}

func TestNormalize(t *testing.T) {
	r := Normalize(&extract.Fields{
		Title:      "Dune",
		Year:       "1965",
		RawOCRText: "DUNE",
		Confidence: math.NaN(),
	}, "en")
	assert.Equal(t, jobqueue.Result{Title: "Dune", Year: "1965", RawText: "DUNE", Language: "en"}, r)

	assert.Zero(t, Normalize(&extract.Fields{Confidence: math.Inf(1)}, "").Confidence)
	assert.Equal(t, 0.5, Normalize(&extract.Fields{Confidence: 0.5}, "").Confidence)
	assert.Equal(t, jobqueue.Result{Language: "ru"}, Normalize(nil, "ru"))
}
