package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/stridelabs/stride/internal/types"
)

// Store defines the interface contract for all goal-record persistence.
type Store interface {
	CreateGoal(ctx context.Context, goal types.NewGoal) (*types.Goal, error)
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	GetGoalForUser(ctx context.Context, id, userID string) (*types.Goal, error)
	UpdateGoalStatus(ctx context.Context, id string, status types.GoalStatus) error
	UpdateGoalProgress(ctx context.Context, id string, progressPct int) error
	SetGoalJob(ctx context.Context, goalID, jobID string) error
	ClearGoalJob(ctx context.Context, goalID string) error
	ReplacePlan(ctx context.Context, goalID string, plan *types.Plan, startDate time.Time) error
	ListMilestones(ctx context.Context, goalID string) ([]types.Milestone, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) (bool, error)
	CountTasks(ctx context.Context, goalID string) (total, completed int, err error)
	UserTaskStats(ctx context.Context, userID string, now time.Time) (*types.TaskStats, error)
	UserStats(ctx context.Context, userID string) (*types.UserStats, error)
	UnlockAchievements(ctx context.Context, userID string, codes []string) ([]string, error)
	CountGoals(ctx context.Context) (int64, error)
	SnapshotDatabase(ctx context.Context, destPath string) error
	DB() *sql.DB
	Close() error
}
