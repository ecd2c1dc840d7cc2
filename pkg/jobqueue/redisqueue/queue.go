// Package redisqueue implements jobqueue.Store on Redis.
//
// Key layout under Prefix (default "coverscan:book-processing"):
//
//	<prefix>:id          INCR counter for job ids
//	<prefix>:job:<id>    hash with the job record
//	<prefix>:wait        list of queued ids (LPUSH in, BLMOVE out)
//	<prefix>:active      list of claimed ids
//	<prefix>:jobs        sorted set of ids by creation time (listing)
//
// Claim is a blocking BLMOVE from wait to active, so exactly one client
// receives each id. Once an id has moved, the claimer owns it: marking it
// active ignores cancellation of the claim context, and a failed mark puts the
// id back on wait. Terminal transitions run as a Lua script that checks the
// stored state is "active" first.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/sqlstore"
)

const (
	// DefaultPrefix is the key namespace of the queue.
	DefaultPrefix = "coverscan:book-processing"

	// DefaultBlockTimeout bounds a single BLMOVE so cancellation is observed.
	DefaultBlockTimeout = 2 * time.Second
)

// Config configures a Redis-backed queue.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces all keys.
	Prefix string

	// BlockTimeout bounds each blocking claim round trip.
	BlockTimeout time.Duration

	// Retention expires finished job hashes after this long. Zero keeps them.
	Retention time.Duration
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("redis queue: addr is required")
	}
	return nil
}

// Queue is a jobqueue.Store backed by Redis.
type Queue struct {
	client       redis.UniversalClient
	prefix       string
	blockTimeout time.Duration
	retention    time.Duration
	now          func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
	ownsConn  bool
}

// Ensure Queue implements the store interfaces.
var (
	_ jobqueue.Store  = (*Queue)(nil)
	_ jobqueue.Lister = (*Queue)(nil)
)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,

		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	q := New(client, cfg)
	q.ownsConn = true
	return q, nil
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, cfg Config) *Queue {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = DefaultBlockTimeout
	}
	return &Queue{
		client:       client,
		prefix:       prefix,
		blockTimeout: block,
		retention:    cfg.Retention,
		now:          time.Now,
		closed:       make(chan struct{}),
	}
}

func (q *Queue) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}

func (q *Queue) Enqueue(ctx context.Context, payload jobqueue.Payload) (*jobqueue.Job, error) {
	if strings.TrimSpace(payload.InputRef) == "" {
		return nil, fmt.Errorf("input_ref is required")
	}

	n, err := q.client.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(n, 10)
	created := q.now().UTC()

	job := &jobqueue.Job{
		ID:        id,
		State:     jobqueue.StateQueued,
		Payload:   payload,
		CreatedAt: created,
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"state":      string(jobqueue.StateQueued),
			"input_ref":  payload.InputRef,
			"language":   payload.Language,
			"filename":   payload.Filename,
			"created_at": sqlstore.FormatTime(created),
		})
		pipe.ZAdd(ctx, q.key("jobs"), redis.Z{Score: float64(created.UnixMilli()), Member: id})
		pipe.LPush(ctx, q.key("wait"), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*jobqueue.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, jobqueue.ErrNotFound
	}
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, jobqueue.ErrNotFound
	}
	return decodeJob(id, fields)
}

func (q *Queue) Claim(ctx context.Context) (*jobqueue.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, jobqueue.ErrClosed
		default:
		}

		id, err := q.client.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("claim job: %w", err)
		}

		job, err := q.markActive(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		return job, nil
	}
}

// claimScript marks a moved id active.
//
// KEYS[1] job hash, KEYS[2] active list
// ARGV: claimed_at, id
// Returns 1 on success, 0 when the hash is gone (the id is dropped).
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('LREM', KEYS[2], 0, ARGV[2])
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'active', 'claimed_at', ARGV[1])
return 1
`)

// releaseScript returns an active id to the consuming end of wait.
//
// KEYS[1] job hash, KEYS[2] active list, KEYS[3] wait list
// ARGV: id
var releaseScript = redis.NewScript(`
redis.call('LREM', KEYS[2], 0, ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'state', 'queued')
	redis.call('HDEL', KEYS[1], 'claimed_at')
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

// markActive records the claim of an id already moved to active. It returns
// nil, nil when the job hash no longer exists.
func (q *Queue) markActive(ctx context.Context, id string) (*jobqueue.Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("active")},
		sqlstore.FormatTime(q.now()), id,
	).Int()
	if err == nil && res == 0 {
		return nil, nil
	}
	var job *jobqueue.Job
	if err == nil {
		job, err = q.Get(ctx, id)
	}
	if err != nil {
		if rerr := q.release(ctx, id); rerr != nil {
			return nil, fmt.Errorf("mark job %s active: %w (release: %v)", id, err, rerr)
		}
		return nil, fmt.Errorf("mark job %s active: %w", id, err)
	}
	return job, nil
}

func (q *Queue) release(ctx context.Context, id string) error {
	return releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("active"), q.key("wait")},
		id,
	).Err()
}

// finishScript moves an active job to a terminal state.
//
// KEYS[1] job hash, KEYS[2] active list
// ARGV: state, field name, field value, finished_at, retention seconds, id
// Returns 1 on success, 0 when the job is missing, -1 when it is not active.
var finishScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 0
end
if state ~= 'active' then
	return -1
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], ARGV[2], ARGV[3], 'finished_at', ARGV[4])
redis.call('LREM', KEYS[2], 0, ARGV[6])
local ttl = tonumber(ARGV[5])
if ttl and ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

func (q *Queue) Complete(ctx context.Context, id string, result jobqueue.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return q.finish(ctx, id, jobqueue.StateCompleted, "result", string(b))
}

func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	return q.finish(ctx, id, jobqueue.StateFailed, "failed_reason", reason)
}

func (q *Queue) finish(ctx context.Context, id string, to jobqueue.State, field, value string) error {
	ttl := int64(q.retention / time.Second)
	res, err := finishScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("active")},
		string(to), field, value, sqlstore.FormatTime(q.now()), ttl, id,
	).Int()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return jobqueue.ErrNotFound
	default:
		current, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", jobqueue.ErrInvalidTransition, current.State, to)
	}
}

func (q *Queue) List(ctx context.Context, opts jobqueue.ListOptions) ([]jobqueue.Job, error) {
	limit := opts.EffectiveLimit()
	var out []jobqueue.Job
	var start int64

	// Page through the index until enough matching jobs are collected.
	// Members whose hash expired are dropped from the index on the way.
	for len(out) < limit {
		ids, err := q.client.ZRevRange(ctx, q.key("jobs"), start, start+int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))

		cmds, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids {
				pipe.HGetAll(ctx, q.jobKey(id))
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		var stale []any
		for i, cmd := range cmds {
			fields, err := cmd.(*redis.MapStringStringCmd).Result()
			if err != nil || len(fields) == 0 {
				stale = append(stale, ids[i])
				continue
			}
			job, err := decodeJob(ids[i], fields)
			if err != nil {
				return nil, err
			}
			if opts.State != "" && job.State != opts.State {
				continue
			}
			out = append(out, *job)
			if len(out) == limit {
				break
			}
		}
		if len(stale) > 0 {
			if err := q.client.ZRem(ctx, q.key("jobs"), stale...).Err(); err == nil {
				start -= int64(len(stale))
			}
		}
	}
	return out, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops claimers and, when the Queue dialed the connection itself,
// closes it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		if q.ownsConn {
			err = q.client.Close()
		}
	})
	return err
}

func decodeJob(id string, fields map[string]string) (*jobqueue.Job, error) {
	job := &jobqueue.Job{
		ID:    id,
		State: jobqueue.ParseState(fields["state"]),
		Payload: jobqueue.Payload{
			InputRef: fields["input_ref"],
			Language: fields["language"],
			Filename: fields["filename"],
		},
		FailedReason: fields["failed_reason"],
	}

	var err error
	if v := fields["created_at"]; v != "" {
		if job.CreatedAt, err = sqlstore.ParseTime(v); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if job.ClaimedAt, err = optionalTime(fields["claimed_at"]); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if job.FinishedAt, err = optionalTime(fields["finished_at"]); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	if v := fields["result"]; v != "" {
		var r jobqueue.Result
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &r
	}
	return job, nil
}

func optionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := sqlstore.ParseTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
