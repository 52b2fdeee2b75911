package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stridelabs/stride/internal/planner"
	"github.com/stridelabs/stride/internal/queue"
	"github.com/stridelabs/stride/internal/types"
)

// JobQueue defines the queue operations needed by the plan worker.
// Implemented by queue.SQLiteQueue.
type JobQueue interface {
	Claim(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, reason string) (types.JobState, error)
}

// GoalStore defines the store operations needed by the plan worker.
// Implemented by store.SQLiteStore.
type GoalStore interface {
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	ReplacePlan(ctx context.Context, goalID string, plan *types.Plan, startDate time.Time) error
	UpdateGoalStatus(ctx context.Context, id string, status types.GoalStatus) error
	ClearGoalJob(ctx context.Context, goalID string) error
}

// Notifier pushes job outcomes to the user's live sessions.
// Implemented by realtime.Hub.
type Notifier interface {
	PlanReady(userID, goalID string)
	PlanFailed(userID, goalID, reason string)
}

// PlanWorker consumes plan-generation jobs and drives the goal lifecycle
// state machine: PLANNING transitions to exactly one of ACTIVE or FAILED
// once the job terminates. Workers share no in-memory state; all
// coordination happens through the queue and the store.
type PlanWorker struct {
	queue        JobQueue
	store        GoalStore
	generator    planner.Generator
	notifier     Notifier
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
}

// NewPlanWorker creates a plan worker with a bounded concurrency pool.
func NewPlanWorker(
	q JobQueue,
	s GoalStore,
	g planner.Generator,
	n Notifier,
	concurrency int,
	pollInterval time.Duration,
	jobTimeout time.Duration,
) *PlanWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PlanWorker{
		queue:        q,
		store:        s,
		generator:    g,
		notifier:     n,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
	}
}

// Run starts the worker pool. It blocks until ctx is cancelled and every
// in-flight job has finished.
func (w *PlanWorker) Run(ctx context.Context) {
	slog.Info("plan worker started",
		"component", "worker",
		"worker", "plan-worker",
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval.String(),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("plan-worker-%d", i+1)
		go func() {
			defer wg.Done()
			w.pollLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	slog.Info("plan worker stopped",
		"component", "worker",
		"worker", "plan-worker",
		"reason", "context_cancelled",
	)
}

func (w *PlanWorker) pollLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainQueue(ctx, workerID)
		}
	}
}

// drainQueue claims and processes jobs until the queue is empty or ctx is
// cancelled.
func (w *PlanWorker) drainQueue(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Claim(ctx, workerID)
		if errors.Is(err, queue.ErrNoJob) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("failed to claim job",
					"component", "worker",
					"worker", workerID,
					"error", err,
				)
			}
			return
		}

		w.processJob(ctx, workerID, job)
	}
}

// processJob runs one job end to end. No error escapes: every failure is
// caught, logged, and converted into a queue failure (and, once the retry
// budget is exhausted, a FAILED goal plus a failure event).
func (w *PlanWorker) processJob(ctx context.Context, workerID string, job *types.Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing job",
				"component", "worker",
				"worker", workerID,
				"job_id", job.ID,
				"goal_id", job.GoalID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			w.failJob(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	slog.Info("processing plan job",
		"component", "worker",
		"worker", workerID,
		"job_id", job.ID,
		"goal_id", job.GoalID,
		"attempt", job.Attempts,
	)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	// The goal's start date anchors every task due date. A missing goal is
	// an explicit terminal error, never a silent default to "now".
	goal, err := w.store.GetGoal(jobCtx, job.GoalID)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("goal not found: %s", job.GoalID))
		return
	}

	// Generation-service errors are recovered inside the generator via the
	// fallback plan; an error here means the job context is gone.
	plan, err := w.generator.GeneratePlan(jobCtx, job.Spec)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("generate plan: %v", err))
		return
	}

	// Safe to repeat on redelivery: ReplacePlan is idempotent per goal
	if err := w.store.ReplacePlan(jobCtx, goal.ID, plan, goal.StartDate); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("persist plan: %v", err))
		return
	}

	if err := w.store.UpdateGoalStatus(jobCtx, goal.ID, types.GoalActive); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("activate goal: %v", err))
		return
	}
	if err := w.store.ClearGoalJob(jobCtx, goal.ID); err != nil {
		slog.Warn("failed to clear goal job handle",
			"component", "worker",
			"goal_id", goal.ID,
			"error", err,
		)
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		slog.Error("failed to mark job completed",
			"component", "worker",
			"job_id", job.ID,
			"error", err,
		)
	}

	// The event follows the committed write
	w.notifier.PlanReady(job.UserID, goal.ID)

	slog.Info("plan job completed",
		"component", "worker",
		"worker", workerID,
		"job_id", job.ID,
		"goal_id", goal.ID,
		"milestones", len(plan.Milestones),
	)
}

// failJob records the attempt failure with the queue. Only once the queue
// reports the terminal failed state does the goal flip to FAILED; earlier
// attempts leave the goal in PLANNING for redelivery.
func (w *PlanWorker) failJob(ctx context.Context, job *types.Job, reason string) {
	state, err := w.queue.Fail(ctx, job.ID, reason)
	if err != nil {
		slog.Error("failed to record job failure",
			"component", "worker",
			"job_id", job.ID,
			"error", err,
		)
		return
	}

	slog.Warn("plan job attempt failed",
		"component", "worker",
		"job_id", job.ID,
		"goal_id", job.GoalID,
		"reason", reason,
		"job_state", string(state),
	)

	if state != types.JobFailed {
		return
	}

	if err := w.store.UpdateGoalStatus(ctx, job.GoalID, types.GoalFailed); err != nil {
		slog.Error("failed to mark goal failed",
			"component", "worker",
			"goal_id", job.GoalID,
			"error", err,
		)
	}
	if err := w.store.ClearGoalJob(ctx, job.GoalID); err != nil {
		slog.Warn("failed to clear goal job handle",
			"component", "worker",
			"goal_id", job.GoalID,
			"error", err,
		)
	}

	w.notifier.PlanFailed(job.UserID, job.GoalID, reason)
}
