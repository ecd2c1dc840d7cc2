package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/jobqueue/jobqueuetest"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = time.Second
	}
	q := New(client, cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestQueue_Contract(t *testing.T) {
	jobqueuetest.Run(t, func(t *testing.T) jobqueue.Store {
		q, _ := newTestQueue(t, Config{})
		return q
	})
}

func TestQueue_KeyLayout(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, Config{Prefix: "test:covers"})

	job, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "a.jpg", Language: "ru", Filename: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "1", job.ID)

	assert.True(t, mr.Exists("test:covers:job:1"))
	assert.Equal(t, "queued", mr.HGet("test:covers:job:1", "state"))
	waiting, err := mr.List("test:covers:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, waiting)

	_, err = q.Claim(ctx)
	require.NoError(t, err)

	active, err := mr.List("test:covers:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, active)
	assert.Zero(t, q.client.LLen(ctx, "test:covers:wait").Val())

	require.NoError(t, q.Complete(ctx, job.ID, jobqueue.Result{Title: "Dune"}))
	assert.Zero(t, q.client.LLen(ctx, "test:covers:active").Val())
	assert.Equal(t, "completed", mr.HGet("test:covers:job:1", "state"))
}

func TestQueue_RetentionExpiresFinishedJobs(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, Config{Retention: time.Hour})

	job, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "a.jpg", Language: "ru"})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "boom"))

	assert.Equal(t, time.Hour, mr.TTL(q.jobKey(job.ID)))

	mr.FastForward(2 * time.Hour)

	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, jobqueue.ErrNotFound)

	jobs, err := q.List(ctx, jobqueue.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueue_List(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	base := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		q.now = func() time.Time { return at }
		job, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "c.jpg", Language: "ru"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := q.List(ctx, jobqueue.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[0], claimed.ID)

	active, err := q.List(ctx, jobqueue.ListOptions{State: jobqueue.StateActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[0], active[0].ID)
}

// cancelAfter cancels a context once the named command has run.
type cancelAfter struct {
	command string
	cancel  context.CancelFunc
}

func (h cancelAfter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h cancelAfter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == h.command {
			h.cancel()
		}
		return err
	}
}

func (h cancelAfter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestQueue_ClaimSurvivesCancelAfterMove(t *testing.T) {
	q, mr := newTestQueue(t, Config{})

	job, err := q.Enqueue(context.Background(), jobqueue.Payload{InputRef: "a.jpg", Language: "ru"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.client.AddHook(cancelAfter{command: "blmove", cancel: cancel})

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, jobqueue.StateActive, claimed.State)
	assert.NotNil(t, claimed.ClaimedAt)
	assert.Error(t, ctx.Err())

	assert.Equal(t, "active", mr.HGet(q.jobKey(job.ID), "state"))
	require.NoError(t, q.Complete(context.Background(), job.ID, jobqueue.Result{Title: "Dune"}))

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, got.State)
}

func TestQueue_ReleaseReturnsJobToWait(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, Config{})

	first, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "a.jpg", Language: "ru"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "b.jpg", Language: "ru"})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	require.NoError(t, q.release(ctx, first.ID))
	assert.Equal(t, "queued", mr.HGet(q.jobKey(first.ID), "state"))
	assert.Empty(t, mr.HGet(q.jobKey(first.ID), "claimed_at"))
	assert.Zero(t, q.client.LLen(ctx, q.key("active")).Val())

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, next.ID)
}

func TestQueue_ClaimSkipsIDWithoutRecord(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	job, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "a.jpg", Language: "ru"})
	require.NoError(t, err)
	require.NoError(t, q.client.RPush(ctx, q.key("wait"), "999").Err())

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)

	active, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, active)
}

func TestQueue_UnknownPersistedState(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, Config{})

	job, err := q.Enqueue(ctx, jobqueue.Payload{InputRef: "a.jpg", Language: "ru"})
	require.NoError(t, err)
	mr.HSet(q.jobKey(job.ID), "state", "stuck")

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateUnknown, got.State)
}

func TestQueue_PingFailsWhenServerDown(t *testing.T) {
	q, mr := newTestQueue(t, Config{})
	require.NoError(t, q.Ping(context.Background()))

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, q.Ping(ctx))
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.NoError(t, (&Config{Addr: "localhost:6379"}).Validate())
}
