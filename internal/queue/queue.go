// Package queue implements the durable, at-least-once plan-generation job
// queue. Jobs live in the same SQLite database as the goal records; workers
// claim them under a lease, so a crashed worker's job is redelivered once
// its lease expires.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/stridelabs/stride/internal/types"
)

// ErrNoJob is returned by Claim when no runnable job is available.
var ErrNoJob = errors.New("no runnable job")

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// NewJob is the input type for enqueueing plan-generation work.
type NewJob struct {
	GoalID   string
	UserID   string
	Spec     types.GoalSpec
	Priority int
}

// Queue defines the interface contract for the durable work queue.
// The queue never touches goal state; reconciling job outcomes with the
// goal lifecycle belongs to the plan worker.
type Queue interface {
	Enqueue(ctx context.Context, job NewJob) (string, error)
	Claim(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) (types.JobState, error)
	Status(ctx context.Context, jobID string) (*types.JobStatus, error)
	PendingCount(ctx context.Context) (int64, error)
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}
