package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stridelabs/stride/internal/queue"
	"github.com/stridelabs/stride/internal/types"
	"github.com/stridelabs/stride/internal/validation"
)

// GoalStore defines the store operations required by the HTTP handlers.
// Implemented by store.SQLiteStore.
type GoalStore interface {
	CreateGoal(ctx context.Context, goal types.NewGoal) (*types.Goal, error)
	GetGoalForUser(ctx context.Context, id, userID string) (*types.Goal, error)
	SetGoalJob(ctx context.Context, goalID, jobID string) error
	ListMilestones(ctx context.Context, goalID string) ([]types.Milestone, error)
	CountGoals(ctx context.Context) (int64, error)
}

// JobQueue defines the queue operations required by the HTTP handlers.
// Implemented by queue.SQLiteQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.NewJob) (string, error)
	Status(ctx context.Context, jobID string) (*types.JobStatus, error)
	PendingCount(ctx context.Context) (int64, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store   GoalStore
	queue   JobQueue
	version string
	model   string
}

// NewHandler creates a new Handler.
func NewHandler(store GoalStore, queue JobQueue, version, model string) *Handler {
	return &Handler{
		store:   store,
		queue:   queue,
		version: version,
		model:   model,
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	goalCount, err := h.store.CountGoals(r.Context())
	if err != nil {
		slog.Error("health check failed to count goals", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	pending, err := h.queue.PendingCount(r.Context())
	if err != nil {
		slog.Error("health check failed to count jobs", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	respondJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "ok",
		Version:     h.version,
		GoalCount:   goalCount,
		PendingJobs: pending,
		Model:       h.model,
	})
}

// CreateGoal handles POST /api/v1/goals. The goal record is persisted in
// PLANNING and a generation job is enqueued; the plan itself is produced
// asynchronously by the worker.
func (h *Handler) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var req types.CreateGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if errs := validation.ValidateCreateGoal(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request validation failed", errs)
		return
	}

	userID := UserIDFromContext(r.Context())

	start := time.Now().UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, req.DurationDays-1)

	goal, err := h.store.CreateGoal(r.Context(), types.NewGoal{
		UserID:       userID,
		Name:         req.Name,
		DurationDays: req.DurationDays,
		HoursPerDay:  req.HoursPerDay,
		SkillLevel:   types.SkillLevel(req.SkillLevel),
		StartDate:    start,
		EndDate:      end,
	})
	if err != nil {
		slog.Error("failed to create goal", "error", err)
		MapStoreError(w, r, err)
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), queue.NewJob{
		GoalID: goal.ID,
		UserID: userID,
		Spec: types.GoalSpec{
			Name:              goal.Name,
			DurationDays:      goal.DurationDays,
			TimePerDayMinutes: int(goal.HoursPerDay * 60),
			SkillLevel:        goal.SkillLevel,
		},
	})
	if err != nil {
		slog.Error("failed to enqueue plan job", "goal_id", goal.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	if err := h.store.SetGoalJob(r.Context(), goal.ID, jobID); err != nil {
		slog.Error("failed to attach job to goal", "goal_id", goal.ID, "job_id", jobID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("goal submitted",
		"goal_id", goal.ID,
		"job_id", jobID,
		"user_id", userID,
		"duration_days", goal.DurationDays,
	)

	respondJSON(w, http.StatusAccepted, types.CreateGoalResponse{
		GoalID: goal.ID,
		JobID:  jobID,
		Status: goal.Status,
	})
}

// GoalStatus handles GET /api/v1/goals/{id}/status. The view is scoped to
// the authenticated owner; other users' goals read as not found.
func (h *Handler) GoalStatus(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "id")
	userID := UserIDFromContext(r.Context())

	goal, err := h.store.GetGoalForUser(r.Context(), goalID, userID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	milestones, err := h.store.ListMilestones(r.Context(), goal.ID)
	if err != nil {
		slog.Error("failed to list milestones", "goal_id", goal.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	resp := types.GoalStatusResponse{
		Status:             goal.Status,
		ProgressPercentage: goal.ProgressPct,
		Milestones:         milestones,
	}

	if goal.JobID != "" {
		job, err := h.queue.Status(r.Context(), goal.JobID)
		switch {
		case err == nil:
			resp.Job = job
		case errors.Is(err, queue.ErrJobNotFound):
			// Job purged after retention; goal status alone is authoritative.
		default:
			slog.Error("failed to load job status", "job_id", goal.JobID, "error", err)
			MapStoreError(w, r, err)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}
