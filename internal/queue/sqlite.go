package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stridelabs/stride/internal/types"
)

// Compile-time interface check
var _ Queue = (*SQLiteQueue)(nil)

// SQLiteQueue is the SQLite-backed work queue.
type SQLiteQueue struct {
	db          *sql.DB
	maxAttempts int
	backoffBase time.Duration
	lease       time.Duration
}

// NewSQLiteQueue creates a queue over an already-migrated database handle.
func NewSQLiteQueue(db *sql.DB, maxAttempts int, backoffBase, lease time.Duration) *SQLiteQueue {
	return &SQLiteQueue{
		db:          db,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		lease:       lease,
	}
}

// Enqueue adds a plan-generation job in waiting state and returns its handle.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job NewJob) (string, error) {
	payload, err := json.Marshal(job.Spec)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, goal_id, user_id, payload, status, priority, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, job.GoalID, job.UserID, string(payload), string(types.JobWaiting), job.Priority,
		q.maxAttempts, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Claim atomically picks the next runnable job and marks it active under a
// lease. Runnable means waiting with next_run_at due, or active with an
// expired lease (at-least-once redelivery after a worker crash). Higher
// priority wins; ties go to the earliest next_run_at.
func (q *SQLiteQueue) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE (status = ? AND next_run_at <= ?)
		   OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		ORDER BY priority DESC, next_run_at ASC
		LIMIT 1
	`, string(types.JobWaiting), nowStr, string(types.JobActive), nowStr).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("select runnable job: %w", err)
	}

	leaseExpiry := now.Add(q.lease).Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, lease_expires_at = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
	`, string(types.JobActive), leaseExpiry, nowStr, nowStr, id)
	if err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// Complete marks the job finished. Completed jobs may later be purged.
func (q *SQLiteQueue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, lease_expires_at = NULL, finished_at = ?, updated_at = ? WHERE id = ?
	`, string(types.JobCompleted), now, now, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return affectedOrNotFound(res)
}

// Fail records a failed attempt. Below the retry budget the job returns to
// waiting with exponential backoff (base * 2^(attempts-1)); once the budget
// is exhausted it is marked failed and retained for operator inspection,
// never silently removed. The resulting state is returned so the caller can
// reconcile goal state on terminal failure.
func (q *SQLiteQueue) Fail(ctx context.Context, jobID, reason string) (types.JobState, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, jobID).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load job attempts: %w", err)
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	state := types.JobFailed
	if attempts < maxAttempts {
		state = types.JobWaiting
		backoff := q.backoffBase
		if attempts > 1 {
			backoff <<= attempts - 1
		}
		nextRun := now.Add(backoff).Format(time.RFC3339)
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, lease_expires_at = NULL, next_run_at = ?, updated_at = ? WHERE id = ?
		`, string(state), reason, nextRun, nowStr, jobID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, lease_expires_at = NULL, finished_at = ?, updated_at = ? WHERE id = ?
		`, string(state), reason, nowStr, nowStr, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("record job failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return state, nil
}

// Status returns the status-boundary view of a job.
func (q *SQLiteQueue) Status(ctx context.Context, jobID string) (*types.JobStatus, error) {
	var st types.JobStatus
	var state, createdAt string
	var lastError, startedAt, finishedAt sql.NullString

	err := q.db.QueryRowContext(ctx, `
		SELECT status, attempts, last_error, created_at, started_at, finished_at FROM jobs WHERE id = ?
	`, jobID).Scan(&state, &st.Attempts, &lastError, &createdAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}

	st.State = types.JobState(state)
	st.FailureReason = lastError.String
	if st.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := time.Parse(time.RFC3339, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		st.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		st.FinishedAt = &ts
	}
	return &st, nil
}

// PendingCount returns the number of jobs not yet in a terminal state.
func (q *SQLiteQueue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)
	`, string(types.JobWaiting), string(types.JobActive)).Scan(&count)
	return count, err
}

// PurgeCompleted deletes completed jobs finished before the cutoff.
// Failed jobs are never purged.
func (q *SQLiteQueue) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = ? AND finished_at < ?
	`, string(types.JobCompleted), olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purge completed jobs: %w", err)
	}
	return res.RowsAffected()
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*types.Job, error) {
	var j types.Job
	var payload, state, createdAt, updatedAt, nextRunAt string
	var lastError, leaseExpires, startedAt, finishedAt sql.NullString

	err := tx.QueryRowContext(ctx, `
		SELECT id, goal_id, user_id, payload, status, priority, attempts, max_attempts, last_error, lease_expires_at, next_run_at, created_at, updated_at, started_at, finished_at
		FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.GoalID, &j.UserID, &payload, &state, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &lastError, &leaseExpires, &nextRunAt, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &j.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	j.State = types.JobState(state)
	j.LastError = lastError.String
	if j.NextRunAt, err = time.Parse(time.RFC3339, nextRunAt); err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{{leaseExpires, &j.LeaseExpiresAt}, {startedAt, &j.StartedAt}, {finishedAt, &j.FinishedAt}} {
		if pair.src.Valid {
			ts, err := time.Parse(time.RFC3339, pair.src.String)
			if err != nil {
				return nil, fmt.Errorf("parse job timestamp: %w", err)
			}
			*pair.dst = &ts
		}
	}
	return &j, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
