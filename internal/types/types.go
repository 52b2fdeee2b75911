package types

import (
	"encoding/json"
	"time"
)

// SkillLevel represents the user's self-reported proficiency.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "BEGINNER"
	SkillIntermediate SkillLevel = "INTERMEDIATE"
	SkillAdvanced     SkillLevel = "ADVANCED"
	SkillExpert       SkillLevel = "EXPERT"
)

// SkillLevels lists all valid skill levels, in ascending order.
var SkillLevels = []string{
	string(SkillBeginner),
	string(SkillIntermediate),
	string(SkillAdvanced),
	string(SkillExpert),
}

// GoalStatus represents the lifecycle state of a goal.
type GoalStatus string

const (
	GoalPlanning  GoalStatus = "PLANNING"
	GoalActive    GoalStatus = "ACTIVE"
	GoalFailed    GoalStatus = "FAILED"
	GoalPaused    GoalStatus = "PAUSED"
	GoalCompleted GoalStatus = "COMPLETED"
	GoalArchived  GoalStatus = "ARCHIVED"
)

// TaskStatus represents the state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskMissed    TaskStatus = "MISSED"
)

// TaskPriority represents the planned priority of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Goal represents a user's stated objective and its generated plan lifecycle.
type Goal struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	DurationDays int        `json:"duration_days"`
	HoursPerDay  float64    `json:"hours_per_day"`
	SkillLevel   SkillLevel `json:"skill_level"`
	Status       GoalStatus `json:"status"`
	ProgressPct  int        `json:"progress_percentage"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
	JobID        string     `json:"job_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewGoal is the input type for creating goals (without generated fields).
type NewGoal struct {
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	DurationDays int        `json:"duration_days"`
	HoursPerDay  float64    `json:"hours_per_day"`
	SkillLevel   SkillLevel `json:"skill_level"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
}

// Milestone is a week-scoped grouping of tasks within a goal's plan.
// Milestones are created only by the plan worker.
type Milestone struct {
	ID         string    `json:"id"`
	GoalID     string    `json:"goal_id"`
	WeekNumber int       `json:"week_number"`
	OrderIndex int       `json:"order_index"`
	Title      string    `json:"title"`
	Tasks      []Task    `json:"tasks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is a single day-scoped unit of work within a milestone.
// OriginalPlannedDate is immutable once set; CurrentDueDate may be moved
// by reschedule operations.
type Task struct {
	ID                  string       `json:"id"`
	MilestoneID         string       `json:"milestone_id"`
	GoalID              string       `json:"goal_id"`
	Description         string       `json:"description"`
	Status              TaskStatus   `json:"status"`
	WeekNumber          int          `json:"week_number"`
	DayNumber           int          `json:"day_number"`
	EstimatedMinutes    int          `json:"estimated_minutes"`
	Priority            TaskPriority `json:"priority"`
	OriginalPlannedDate time.Time    `json:"original_planned_date"`
	CurrentDueDate      time.Time    `json:"current_due_date"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// GoalSpec carries the generation parameters for a plan request.
type GoalSpec struct {
	Name              string     `json:"name"`
	DurationDays      int        `json:"duration_days"`
	TimePerDayMinutes int        `json:"time_per_day_minutes"`
	SkillLevel        SkillLevel `json:"skill_level"`
}

// WeekCount returns the number of plan weeks the requested duration allows.
func (s GoalSpec) WeekCount() int {
	return (s.DurationDays + 6) / 7
}

// Plan is the strict internal representation of a generated plan,
// produced only after sanitization of the remote response.
type Plan struct {
	Milestones []PlanMilestone `json:"milestones"`
}

// PlanMilestone is one sanitized week of a generated plan.
type PlanMilestone struct {
	Week  int        `json:"week"`
	Title string     `json:"title"`
	Tasks []PlanTask `json:"tasks"`
}

// PlanTask is one sanitized daily task of a generated plan.
type PlanTask struct {
	Day              int          `json:"day"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	EstimatedMinutes int          `json:"estimated_minutes"`
	Priority         TaskPriority `json:"priority"`
}

// JobState represents the queue-assigned state of a job, independent of
// the owning goal's status.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a queued unit of plan-generation work.
type Job struct {
	ID             string     `json:"id"`
	GoalID         string     `json:"goal_id"`
	UserID         string     `json:"user_id"`
	Spec           GoalSpec   `json:"spec"`
	State          JobState   `json:"state"`
	Priority       int        `json:"priority"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// JobStatus is the status-boundary view of a job.
type JobStatus struct {
	State         JobState   `json:"state"`
	Attempts      int        `json:"attempts"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// CreateGoalRequest is the submission-boundary input.
type CreateGoalRequest struct {
	Name         string  `json:"name"`
	DurationDays int     `json:"duration_days"`
	HoursPerDay  float64 `json:"hours_per_day"`
	SkillLevel   string  `json:"skill_level"`
}

// CreateGoalResponse is the submission-boundary output: the job handle
// is returned immediately while generation runs in the background.
type CreateGoalResponse struct {
	GoalID string     `json:"goal_id"`
	JobID  string     `json:"job_id"`
	Status GoalStatus `json:"status"`
}

// GoalStatusResponse is the status-boundary output.
type GoalStatusResponse struct {
	Status             GoalStatus  `json:"status"`
	ProgressPercentage int         `json:"progress_percentage"`
	Job                *JobStatus  `json:"job,omitempty"`
	Milestones         []Milestone `json:"milestones"`
}

// TaskStats holds the aggregate completion counters that drive
// achievement evaluation.
type TaskStats struct {
	TotalCompleted    int `json:"total_completed"`
	CompletedToday    int `json:"completed_today"`
	CompletedThisWeek int `json:"completed_this_week"`
}

// UserStats is the current-state snapshot pushed to a connection right
// after authentication.
type UserStats struct {
	TotalGoals     int `json:"total_goals"`
	ActiveGoals    int `json:"active_goals"`
	CompletedGoals int `json:"completed_goals"`
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

// Achievement is a named threshold unlock.
type Achievement struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	GoalCount    int64  `json:"goal_count"`
	PendingJobs  int64  `json:"pending_jobs"`
	Model        string `json:"model"`
}

// MarshalJSON ensures nil slices in GoalStatusResponse marshal as [] not null.
func (g GoalStatusResponse) MarshalJSON() ([]byte, error) {
	if g.Milestones == nil {
		g.Milestones = []Milestone{}
	}
	type Alias GoalStatusResponse
	return json.Marshal(Alias(g))
}

// MarshalJSON ensures nil slices in Plan marshal as [] not null.
func (p Plan) MarshalJSON() ([]byte, error) {
	if p.Milestones == nil {
		p.Milestones = []PlanMilestone{}
	}
	type Alias Plan
	return json.Marshal(Alias(p))
}
