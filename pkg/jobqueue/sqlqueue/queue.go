// Package sqlqueue implements jobqueue.Store on a relational database
// (SQLite, libsql, or Postgres via pkg/sqlstore).
//
// Claiming is a single conditional UPDATE ... RETURNING, so two claimers can
// never both move the same row out of "queued". On Postgres the candidate row
// is picked with FOR UPDATE SKIP LOCKED, and a claimer that still loses a race
// retries at once while queued rows remain. While the queue is empty,
// claimers sleep on a poll interval; an Enqueue on the same Queue value
// wakes them early.
package sqlqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/sqlstore"
)

// DefaultPollInterval is how long an idle claimer sleeps between checks.
const DefaultPollInterval = 500 * time.Millisecond

// Options configures a Queue.
type Options struct {
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Queue is a jobqueue.Store backed by a SQL database.
type Queue struct {
	db           *sqlstore.DB
	pollInterval time.Duration
	now          func() time.Time

	// wake is signalled by Enqueue to cut short an idle poll wait.
	wake chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	ownsDB    bool
}

// Ensure Queue implements the store interfaces.
var (
	_ jobqueue.Store  = (*Queue)(nil)
	_ jobqueue.Lister = (*Queue)(nil)
	_ jobqueue.Pruner = (*Queue)(nil)
)

// New wraps an open database. The caller keeps ownership of db.
func New(db *sqlstore.DB, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		db:           db,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Open opens the database described by cfg, migrates it, and returns a
// Queue that owns the connection.
func Open(ctx context.Context, cfg sqlstore.Config, opts Options) (*Queue, error) {
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	q := New(db, opts)
	q.ownsDB = true
	return q, nil
}

const jobColumns = `job_id, state, input_ref, language, filename, result, failed_reason, created_at, claimed_at, finished_at`

func (q *Queue) Enqueue(ctx context.Context, payload jobqueue.Payload) (*jobqueue.Job, error) {
	if strings.TrimSpace(payload.InputRef) == "" {
		return nil, fmt.Errorf("input_ref is required")
	}

	job := &jobqueue.Job{
		ID:        uuid.NewString(),
		State:     jobqueue.StateQueued,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}

	_, err := q.db.ExecContext(ctx, q.db.Dialect().Rebind(
		`INSERT INTO jobs (job_id, state, input_ref, language, filename, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		job.ID, string(job.State), payload.InputRef, payload.Language, payload.Filename,
		sqlstore.FormatTime(job.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*jobqueue.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, jobqueue.ErrNotFound
	}

	row := q.db.QueryRowContext(ctx, q.db.Dialect().Rebind(
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobqueue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*jobqueue.Job, error) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-q.closed:
			return nil, jobqueue.ErrClosed
		default:
		}

		job, err := q.tryClaim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			select {
			case <-q.closed:
				return nil, jobqueue.ErrClosed
			default:
			}
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if pending, err := q.hasQueued(ctx); err == nil && pending {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.pollInterval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, jobqueue.ErrClosed
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// tryClaim moves the oldest queued job to active. It returns (nil, nil)
// when nothing is queued or another claimer won the race.
func (q *Queue) tryClaim(ctx context.Context) (*jobqueue.Job, error) {
	claimedAt := sqlstore.FormatTime(q.now())

	lock := ""
	if q.db.Dialect() == sqlstore.DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	row := q.db.QueryRowContext(ctx, q.db.Dialect().Rebind(
		`UPDATE jobs SET state = ?, claimed_at = ?
		 WHERE job_id = (
			SELECT job_id FROM jobs WHERE state = ? ORDER BY created_at, job_id LIMIT 1`+lock+`
		 ) AND state = ?
		 RETURNING `+jobColumns),
		string(jobqueue.StateActive), claimedAt, string(jobqueue.StateQueued), string(jobqueue.StateQueued))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// hasQueued reports whether any job is waiting to be claimed.
func (q *Queue) hasQueued(ctx context.Context) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, q.db.Dialect().Rebind(
		`SELECT 1 FROM jobs WHERE state = ? LIMIT 1`), string(jobqueue.StateQueued)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) Complete(ctx context.Context, id string, result jobqueue.Result) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return q.finish(ctx, id, jobqueue.StateCompleted, sql.NullString{String: string(b), Valid: true}, sql.NullString{})
}

func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	return q.finish(ctx, id, jobqueue.StateFailed, sql.NullString{}, sql.NullString{String: reason, Valid: true})
}

func (q *Queue) finish(ctx context.Context, id string, to jobqueue.State, result, reason sql.NullString) error {
	res, err := q.db.ExecContext(ctx, q.db.Dialect().Rebind(
		`UPDATE jobs SET state = ?, result = ?, failed_reason = ?, finished_at = ?
		 WHERE job_id = ? AND state = ?`),
		string(to), result, reason, sqlstore.FormatTime(q.now()), id, string(jobqueue.StateActive))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing job from one in the wrong state.
	current, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", jobqueue.ErrInvalidTransition, current.State, to)
}

func (q *Queue) List(ctx context.Context, opts jobqueue.ListOptions) ([]jobqueue.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY created_at DESC, job_id DESC LIMIT ?`
	args = append(args, opts.EffectiveLimit())

	rows, err := q.db.QueryContext(ctx, q.db.Dialect().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []jobqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, q.db.Dialect().Rebind(
		`DELETE FROM jobs WHERE state IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`),
		string(jobqueue.StateCompleted), string(jobqueue.StateFailed), sqlstore.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(n), nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close stops idle claimers and, when the Queue opened the database itself,
// closes it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		if q.ownsDB {
			err = q.db.Close()
		}
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobqueue.Job, error) {
	var (
		job                   jobqueue.Job
		state                 string
		result, reason        sql.NullString
		createdAt             string
		claimedAt, finishedAt sql.NullString
	)
	if err := row.Scan(&job.ID, &state, &job.Payload.InputRef, &job.Payload.Language, &job.Payload.Filename,
		&result, &reason, &createdAt, &claimedAt, &finishedAt); err != nil {
		return nil, err
	}

	job.State = jobqueue.ParseState(state)
	job.FailedReason = reason.String

	var err error
	if job.CreatedAt, err = sqlstore.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.ClaimedAt, err = parseOptionalTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if job.FinishedAt, err = parseOptionalTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	if result.Valid && result.String != "" {
		var r jobqueue.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &r
	}

	return &job, nil
}

func parseOptionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := sqlstore.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
