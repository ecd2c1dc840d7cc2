// Package jobqueuetest holds behavior tests shared by every jobqueue.Store
// backend.
package jobqueuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coverscan/pkg/jobqueue"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) jobqueue.Store

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueThenGetIsQueued", func(t *testing.T) { testEnqueueGet(t, newStore(t)) })
	t.Run("GetUnknownID", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("ClaimMovesToActive", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ClaimBlocksUntilCancelled", func(t *testing.T) { testClaimBlocks(t, newStore(t)) })
	t.Run("ClaimWakesOnEnqueue", func(t *testing.T) { testClaimWakes(t, newStore(t)) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("CompleteStoresResult", func(t *testing.T) { testComplete(t, newStore(t)) })
	t.Run("FailStoresReason", func(t *testing.T) { testFail(t, newStore(t)) })
	t.Run("TerminalStateIsFinal", func(t *testing.T) { testTerminalFinal(t, newStore(t)) })
	t.Run("FinishRequiresActive", func(t *testing.T) { testFinishRequiresActive(t, newStore(t)) })
	t.Run("ClaimOrderIsFIFO", func(t *testing.T) { testFIFO(t, newStore(t)) })
}

func enqueue(t *testing.T, s jobqueue.Store, ref string) *jobqueue.Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), jobqueue.Payload{InputRef: ref, Language: "ru", Filename: ref})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	return job
}

func claim(t *testing.T, s jobqueue.Store) *jobqueue.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func testEnqueueGet(t *testing.T, s jobqueue.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "cover-1.jpg")
	assert.Equal(t, jobqueue.StateQueued, job.State)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, jobqueue.StateQueued, got.State)
	assert.Equal(t, "cover-1.jpg", got.Payload.InputRef)
	assert.Equal(t, "ru", got.Payload.Language)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.FailedReason)
	assert.False(t, got.CreatedAt.IsZero())
}

func testGetUnknown(t *testing.T, s jobqueue.Store) {
	_, err := s.Get(context.Background(), "never-issued")
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)
}

func testClaim(t *testing.T, s jobqueue.Store) {
	job := enqueue(t, s, "cover-1.jpg")

	claimed := claim(t, s)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, jobqueue.StateActive, claimed.State)
	assert.Equal(t, "cover-1.jpg", claimed.Payload.InputRef)

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateActive, got.State)
	assert.NotNil(t, got.ClaimedAt)
}

func testClaimBlocks(t *testing.T, s jobqueue.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	job, err := s.Claim(ctx)
	assert.Nil(t, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func testClaimWakes(t *testing.T, s jobqueue.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *jobqueue.Job, 1)
	go func() {
		job, err := s.Claim(ctx)
		if err == nil {
			got <- job
		}
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	job := enqueue(t, s, "late.jpg")

	select {
	case claimed := <-got:
		require.NotNil(t, claimed)
		assert.Equal(t, job.ID, claimed.ID)
	case <-ctx.Done():
		t.Fatal("claimer never received the job")
	}
}

func testConcurrentClaim(t *testing.T, s jobqueue.Store) {
	job := enqueue(t, s, "contended.jpg")

	const claimers = 8
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.Claim(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			winners = append(winners, claimed.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, job.ID, winners[0])
}

func testComplete(t *testing.T, s jobqueue.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "dune.jpg")
	claim(t, s)

	result := jobqueue.Result{Title: "Dune", Author: "Herbert", Year: "1965", Confidence: 0.9, Language: "en"}
	require.NoError(t, s.Complete(ctx, job.ID, result))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, result, *got.Result)
	assert.NotNil(t, got.FinishedAt)
}

func testFail(t *testing.T, s jobqueue.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "blurry.jpg")
	claim(t, s)

	require.NoError(t, s.Fail(ctx, job.ID, "ocr service returned 502"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, got.State)
	assert.Equal(t, "ocr service returned 502", got.FailedReason)
	assert.Nil(t, got.Result)
}

func testTerminalFinal(t *testing.T, s jobqueue.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "once.jpg")
	claim(t, s)
	require.NoError(t, s.Complete(ctx, job.ID, jobqueue.Result{Title: "first"}))

	err := s.Fail(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, jobqueue.ErrInvalidTransition)
	err = s.Complete(ctx, job.ID, jobqueue.Result{Title: "second"})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidTransition)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, "first", got.Result.Title)
	assert.Empty(t, got.FailedReason)
}

func testFinishRequiresActive(t *testing.T, s jobqueue.Store) {
	ctx := context.Background()
	job := enqueue(t, s, "queued.jpg")

	err := s.Complete(ctx, job.ID, jobqueue.Result{})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidTransition)

	err = s.Fail(ctx, "never-issued", "x")
	assert.True(t, errors.Is(err, jobqueue.ErrNotFound), "got %v", err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateQueued, got.State)
}

func testFIFO(t *testing.T, s jobqueue.Store) {
	first := enqueue(t, s, "a.jpg")
	time.Sleep(2 * time.Millisecond)
	second := enqueue(t, s, "b.jpg")

	assert.Equal(t, first.ID, claim(t, s).ID)
	assert.Equal(t, second.ID, claim(t, s).ID)
}
