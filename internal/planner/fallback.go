package planner

import (
	"context"
	"fmt"

	"github.com/stridelabs/stride/internal/types"
)

// Compile-time interface check
var _ Generator = (*Fallback)(nil)

// Fallback synthesizes plans without calling any remote service.
type Fallback struct{}

// GeneratePlan returns the deterministic fallback plan. It never fails.
func (Fallback) GeneratePlan(_ context.Context, spec types.GoalSpec) (*types.Plan, error) {
	return FallbackPlan(spec), nil
}

// FallbackPlan deterministically synthesizes one milestone per week, each
// with one task per day up to the requested duration. Identical input
// yields identical output; the last week is partial when the duration is
// not a multiple of seven.
func FallbackPlan(spec types.GoalSpec) *types.Plan {
	weeks := spec.WeekCount()
	minutes := clampMinutes(spec.TimePerDayMinutes)

	plan := &types.Plan{Milestones: make([]types.PlanMilestone, 0, weeks)}
	for week := 1; week <= weeks; week++ {
		daysInWeek := 7
		if remaining := spec.DurationDays - (week-1)*7; remaining < 7 {
			daysInWeek = remaining
		}

		m := types.PlanMilestone{
			Week:  week,
			Title: fmt.Sprintf("Week %d: %s", week, spec.Name),
			Tasks: make([]types.PlanTask, 0, daysInWeek),
		}
		for day := 1; day <= daysInWeek; day++ {
			absoluteDay := (week-1)*7 + day
			m.Tasks = append(m.Tasks, types.PlanTask{
				Day:              day,
				Title:            fmt.Sprintf("Day %d practice", absoluteDay),
				Description:      fmt.Sprintf("Spend %d minutes working on %q.", minutes, spec.Name),
				EstimatedMinutes: minutes,
				Priority:         types.PriorityMedium,
			})
		}
		plan.Milestones = append(plan.Milestones, m)
	}
	return plan
}
