package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stridelabs/stride/internal/snapshot"
)

// SnapshotStore defines the store operations required for snapshots.
// Implemented by SQLiteStore.
type SnapshotStore interface {
	SnapshotDatabase(ctx context.Context, destPath string) error
}

// snapshotName is the object name snapshots are uploaded under.
const snapshotName = "stride"

// SnapshotCoordinator periodically writes a consistent database snapshot
// and uploads it to S3-compatible storage.
type SnapshotCoordinator struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
	dir      string
}

// NewSnapshotCoordinator creates a coordinator writing snapshots into dir.
func NewSnapshotCoordinator(store SnapshotStore, uploader snapshot.Uploader, interval time.Duration, dir string) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
		dir:      dir,
	}
}

// Run starts the snapshot loop. It blocks until ctx is cancelled.
//
// The first snapshot waits for the full interval: snapshots scan the whole
// database and there is no value in spiking IO during server startup.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("snapshot coordinator started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot coordinator stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.snapshot(ctx)
		}
	}
}

func (c *SnapshotCoordinator) snapshot(ctx context.Context) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		slog.Error("failed to create snapshot directory",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"error", err,
		)
		return
	}

	path := filepath.Join(c.dir, "stride-snapshot.db")
	if err := c.store.SnapshotDatabase(ctx, path); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("failed to generate snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, snapshotName, path); err != nil {
		slog.Error("failed to upload snapshot",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"error", err,
		)
		return
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"path", path,
	)
}
