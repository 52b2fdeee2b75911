package worker

import (
	"context"
	"log/slog"
	"time"
)

// PurgeQueue defines the queue operations required by the janitor.
// Implemented by queue.SQLiteQueue.
type PurgeQueue interface {
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueueJanitor removes completed jobs past their retention window.
// Failed jobs are retained for operator inspection and never purged.
type QueueJanitor struct {
	queue     PurgeQueue
	interval  time.Duration
	retention time.Duration
}

// NewQueueJanitor creates a janitor with the given sweep interval and
// completed-job retention.
func NewQueueJanitor(q PurgeQueue, interval, retention time.Duration) *QueueJanitor {
	return &QueueJanitor{queue: q, interval: interval, retention: retention}
}

// Run starts the janitor loop. It blocks until ctx is cancelled.
func (j *QueueJanitor) Run(ctx context.Context) {
	slog.Info("queue janitor started",
		"component", "worker",
		"worker", "queue-janitor",
		"interval", j.interval.String(),
		"retention", j.retention.String(),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue janitor stopped",
				"component", "worker",
				"worker", "queue-janitor",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *QueueJanitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	purged, err := j.queue.PurgeCompleted(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("failed to purge completed jobs",
			"component", "worker",
			"worker", "queue-janitor",
			"error", err,
		)
		return
	}
	if purged > 0 {
		slog.Debug("purged completed jobs",
			"component", "worker",
			"worker", "queue-janitor",
			"purged", purged,
		)
	}
}
