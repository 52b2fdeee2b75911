package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stridelabs/stride/internal/types"
	_ "modernc.org/sqlite"
)

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the SQLite-backed goal record store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB exposes the underlying connection pool. The work queue shares the
// same database file so that enqueue and goal writes live in one store.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const dateFormat = time.DateOnly

// CreateGoal inserts a new goal in PLANNING state.
func (s *SQLiteStore) CreateGoal(ctx context.Context, goal types.NewGoal) (*types.Goal, error) {
	now := time.Now().UTC()
	g := &types.Goal{
		ID:           ulid.Make().String(),
		UserID:       goal.UserID,
		Name:         goal.Name,
		DurationDays: goal.DurationDays,
		HoursPerDay:  goal.HoursPerDay,
		SkillLevel:   goal.SkillLevel,
		Status:       types.GoalPlanning,
		StartDate:    goal.StartDate,
		EndDate:      goal.EndDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, name, duration_days, hours_per_day, skill_level, status, progress_pct, start_date, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, g.ID, g.UserID, g.Name, g.DurationDays, g.HoursPerDay, string(g.SkillLevel), string(g.Status),
		g.StartDate.Format(dateFormat), g.EndDate.Format(dateFormat),
		g.CreatedAt.Format(time.RFC3339), g.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert goal: %w", err)
	}

	return g, nil
}

// GetGoal returns the goal with the given id.
func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*types.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, duration_days, hours_per_day, skill_level, status, progress_pct, start_date, end_date, job_id, created_at, updated_at
		FROM goals WHERE id = ?
	`, id)
	return scanGoal(row)
}

// GetGoalForUser returns the goal only if it belongs to the given user.
// A goal owned by someone else is reported as not found rather than
// forbidden, to avoid leaking existence information.
func (s *SQLiteStore) GetGoalForUser(ctx context.Context, id, userID string) (*types.Goal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, duration_days, hours_per_day, skill_level, status, progress_pct, start_date, end_date, job_id, created_at, updated_at
		FROM goals WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanGoal(row)
}

func scanGoal(row *sql.Row) (*types.Goal, error) {
	var g types.Goal
	var skill, status, startDate, endDate, createdAt, updatedAt string
	var jobID sql.NullString

	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.DurationDays, &g.HoursPerDay, &skill, &status,
		&g.ProgressPct, &startDate, &endDate, &jobID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGoalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan goal: %w", err)
	}

	g.SkillLevel = types.SkillLevel(skill)
	g.Status = types.GoalStatus(status)
	g.JobID = jobID.String
	if g.StartDate, err = time.Parse(dateFormat, startDate); err != nil {
		return nil, fmt.Errorf("parse start_date: %w", err)
	}
	if g.EndDate, err = time.Parse(dateFormat, endDate); err != nil {
		return nil, fmt.Errorf("parse end_date: %w", err)
	}
	if g.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if g.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &g, nil
}

// UpdateGoalStatus transitions a goal to the given lifecycle state.
func (s *SQLiteStore) UpdateGoalStatus(ctx context.Context, id string, status types.GoalStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	return affectedOrNotFound(res, ErrGoalNotFound)
}

// UpdateGoalProgress persists the derived progress percentage.
func (s *SQLiteStore) UpdateGoalProgress(ctx context.Context, id string, progressPct int) error {
	if progressPct < 0 {
		progressPct = 0
	}
	if progressPct > 100 {
		progressPct = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET progress_pct = ?, updated_at = ? WHERE id = ?
	`, progressPct, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update goal progress: %w", err)
	}
	return affectedOrNotFound(res, ErrGoalNotFound)
}

// SetGoalJob records the in-flight generation job for a goal.
// A goal has at most one in-flight job at a time.
func (s *SQLiteStore) SetGoalJob(ctx context.Context, goalID, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET job_id = ?, updated_at = ? WHERE id = ?
	`, jobID, time.Now().UTC().Format(time.RFC3339), goalID)
	if err != nil {
		return fmt.Errorf("set goal job: %w", err)
	}
	return affectedOrNotFound(res, ErrGoalNotFound)
}

// ClearGoalJob clears the job handle once the job terminates.
func (s *SQLiteStore) ClearGoalJob(ctx context.Context, goalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE goals SET job_id = NULL, updated_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), goalID)
	if err != nil {
		return fmt.Errorf("clear goal job: %w", err)
	}
	return affectedOrNotFound(res, ErrGoalNotFound)
}

func affectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ReplacePlan persists a generated plan for the goal inside one transaction.
// Any milestones and tasks from a prior (partial) run are removed first, so
// redelivered jobs can safely repeat this step without duplicating rows.
// Both original_planned_date and current_due_date anchor to the goal's
// start date: start + (week-1)*7 + (day-1) days.
func (s *SQLiteStore) ReplacePlan(ctx context.Context, goalID string, plan *types.Plan, startDate time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace plan: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE goal_id = ?`, goalID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE goal_id = ?`, goalID); err != nil {
		return fmt.Errorf("clear milestones: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i, m := range plan.Milestones {
		milestoneID := ulid.Make().String()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (id, goal_id, week_number, order_index, title, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, milestoneID, goalID, m.Week, i, m.Title, now)
		if err != nil {
			return fmt.Errorf("insert milestone %d: %w", i, err)
		}

		for _, t := range m.Tasks {
			due := startDate.AddDate(0, 0, (m.Week-1)*7+(t.Day-1))
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, milestone_id, goal_id, description, status, week_number, day_number, estimated_minutes, priority, original_planned_date, current_due_date, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, ulid.Make().String(), milestoneID, goalID, taskDescription(t), string(types.TaskPending),
				m.Week, t.Day, t.EstimatedMinutes, string(t.Priority),
				due.Format(dateFormat), due.Format(dateFormat), now)
			if err != nil {
				return fmt.Errorf("insert task week %d day %d: %w", m.Week, t.Day, err)
			}
		}
	}

	return tx.Commit()
}

// taskDescription flattens a plan task's title and description into the
// single stored description column.
func taskDescription(t types.PlanTask) string {
	title := strings.TrimSpace(t.Title)
	desc := strings.TrimSpace(t.Description)
	switch {
	case title == "":
		return desc
	case desc == "":
		return title
	default:
		return title + ": " + desc
	}
}

// ListMilestones returns the goal's milestones with their tasks,
// ordered by order_index and day number.
func (s *SQLiteStore) ListMilestones(ctx context.Context, goalID string) ([]types.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, week_number, order_index, title, created_at
		FROM milestones WHERE goal_id = ? ORDER BY order_index
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var milestones []types.Milestone
	index := make(map[string]int)
	for rows.Next() {
		var m types.Milestone
		var createdAt string
		if err := rows.Scan(&m.ID, &m.GoalID, &m.WeekNumber, &m.OrderIndex, &m.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parse milestone created_at: %w", err)
		}
		index[m.ID] = len(milestones)
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT id, milestone_id, goal_id, description, status, week_number, day_number, estimated_minutes, priority, original_planned_date, current_due_date, completed_at, created_at
		FROM tasks WHERE goal_id = ? ORDER BY week_number, day_number
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		t, err := scanTaskRows(taskRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[t.MilestoneID]; ok {
			milestones[i].Tasks = append(milestones[i].Tasks, *t)
		}
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	return milestones, nil
}

// GetTask returns the task with the given id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, milestone_id, goal_id, description, status, week_number, day_number, estimated_minutes, priority, original_planned_date, current_due_date, completed_at, created_at
		FROM tasks WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTaskNotFound
	}
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) (*types.Task, error) {
	var t types.Task
	var status, priority, planned, due, createdAt string
	var completedAt sql.NullString

	err := rows.Scan(&t.ID, &t.MilestoneID, &t.GoalID, &t.Description, &status, &t.WeekNumber,
		&t.DayNumber, &t.EstimatedMinutes, &priority, &planned, &due, &completedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = types.TaskStatus(status)
	t.Priority = types.TaskPriority(priority)
	if t.OriginalPlannedDate, err = time.Parse(dateFormat, planned); err != nil {
		return nil, fmt.Errorf("parse original_planned_date: %w", err)
	}
	if t.CurrentDueDate, err = time.Parse(dateFormat, due); err != nil {
		return nil, fmt.Errorf("parse current_due_date: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

// CompleteTask marks a task completed. Returns false when the task was
// already completed, so callers can skip re-broadcasting and re-evaluating
// achievements for repeated events.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?
		WHERE id = ? AND status != ?
	`, string(types.TaskCompleted), at.UTC().Format(time.RFC3339), id, string(types.TaskCompleted))
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// No rows changed: either already completed, or missing entirely.
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrTaskNotFound
	}
	return false, nil
}

// CountTasks returns the total and completed task counts for a goal.
func (s *SQLiteStore) CountTasks(ctx context.Context, goalID string) (int, int, error) {
	var total, completed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE goal_id = ?
	`, string(types.TaskCompleted), goalID).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, completed, nil
}

// UserTaskStats returns the aggregate completion counters that drive
// achievement evaluation: lifetime total, completions on the current
// calendar day (UTC), and completions in the trailing 7 days.
func (s *SQLiteStore) UserTaskStats(ctx context.Context, userID string, now time.Time) (*types.TaskStats, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := now.AddDate(0, 0, -7)

	var stats types.TaskStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN t.completed_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.completed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM tasks t
		JOIN goals g ON g.id = t.goal_id
		WHERE g.user_id = ? AND t.status = ?
	`, dayStart.Format(time.RFC3339), weekStart.Format(time.RFC3339),
		userID, string(types.TaskCompleted)).
		Scan(&stats.TotalCompleted, &stats.CompletedToday, &stats.CompletedThisWeek)
	if err != nil {
		return nil, fmt.Errorf("user task stats: %w", err)
	}
	return &stats, nil
}

// UserStats returns the aggregate goal/task counters pushed to a freshly
// authenticated connection.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string) (*types.UserStats, error) {
	var stats types.UserStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM goals WHERE user_id = ?
	`, string(types.GoalActive), string(types.GoalCompleted), userID).
		Scan(&stats.TotalGoals, &stats.ActiveGoals, &stats.CompletedGoals)
	if err != nil {
		return nil, fmt.Errorf("user goal stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END), 0)
		FROM tasks t
		JOIN goals g ON g.id = t.goal_id
		WHERE g.user_id = ?
	`, string(types.TaskCompleted), userID).Scan(&stats.TotalTasks, &stats.CompletedTasks)
	if err != nil {
		return nil, fmt.Errorf("user task counts: %w", err)
	}
	return &stats, nil
}

// UnlockAchievements records the given achievement codes for a user and
// returns only the codes that were newly unlocked. INSERT OR IGNORE makes
// each (user, code) pair fire at most once across restarts.
func (s *SQLiteStore) UnlockAchievements(ctx context.Context, userID string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unlock: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var unlocked []string
	for _, code := range codes {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO achievements (user_id, code, unlocked_at) VALUES (?, ?, ?)
		`, userID, code, now)
		if err != nil {
			return nil, fmt.Errorf("unlock %s: %w", code, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			unlocked = append(unlocked, code)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return unlocked, nil
}

// CountGoals returns the total number of goals, for the health endpoint.
func (s *SQLiteStore) CountGoals(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM goals`).Scan(&count)
	return count, err
}

// SnapshotDatabase writes a consistent copy of the database to destPath
// using VACUUM INTO, for the snapshot worker to upload.
func (s *SQLiteStore) SnapshotDatabase(ctx context.Context, destPath string) error {
	// VACUUM INTO refuses to overwrite an existing file
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}
