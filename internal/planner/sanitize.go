package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stridelabs/stride/internal/types"
)

// Clamp bounds for task time estimates, in minutes.
const (
	minTaskMinutes     = 5
	maxTaskMinutes     = 480
	defaultTaskMinutes = 60
)

// rawMilestone is the permissive intermediate form of a remote milestone.
// Pointer fields distinguish missing values from zero values.
type rawMilestone struct {
	Week  *int              `json:"week"`
	Title string            `json:"title"`
	Tasks []json.RawMessage `json:"tasks"`
}

// rawTask is the permissive intermediate form of a remote daily task.
type rawTask struct {
	Day              *int   `json:"day"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	EstimatedMinutes *int   `json:"estimated_minutes"`
	Priority         string `json:"priority"`
}

// CoercePlan parses the remote response into the strict internal plan,
// applying the mandatory sanitization pass. The remote shape is never
// trusted directly: entries that are not objects are dropped, numeric
// fields are clamped, and the milestone list is truncated so the plan
// never claims more weeks than the requested duration allows. Returns
// false when nothing usable can be extracted.
func CoercePlan(content string, spec types.GoalSpec) (*types.Plan, bool) {
	raws, ok := parseMilestones(content)
	if !ok {
		return nil, false
	}

	plan := &types.Plan{}
	for i, raw := range raws {
		var m rawMilestone
		if err := json.Unmarshal(raw, &m); err != nil {
			// Not an object; drop rather than failing the whole plan
			continue
		}

		week := i + 1
		if m.Week != nil {
			week = *m.Week
		}
		if week < 1 {
			week = 1
		}

		title := strings.TrimSpace(m.Title)
		if title == "" {
			title = fmt.Sprintf("Week %d", week)
		}

		milestone := types.PlanMilestone{Week: week, Title: title}
		for _, rawT := range m.Tasks {
			var t rawTask
			if err := json.Unmarshal(rawT, &t); err != nil {
				continue
			}
			milestone.Tasks = append(milestone.Tasks, sanitizeTask(t))
		}
		if len(milestone.Tasks) == 0 {
			continue
		}
		plan.Milestones = append(plan.Milestones, milestone)
	}

	if len(plan.Milestones) == 0 {
		return nil, false
	}

	// A plan must never claim more weeks than the duration allows
	if max := spec.WeekCount(); len(plan.Milestones) > max {
		plan.Milestones = plan.Milestones[:max]
	}

	return plan, true
}

func sanitizeTask(t rawTask) types.PlanTask {
	day := 1
	if t.Day != nil {
		day = *t.Day
	}
	if day < 1 {
		day = 1
	}
	if day > 7 {
		day = 7
	}

	minutes := defaultTaskMinutes
	if t.EstimatedMinutes != nil {
		minutes = clampMinutes(*t.EstimatedMinutes)
	}

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "Practice session"
	}

	return types.PlanTask{
		Day:              day,
		Title:            title,
		Description:      strings.TrimSpace(t.Description),
		EstimatedMinutes: minutes,
		Priority:         sanitizePriority(t.Priority),
	}
}

func clampMinutes(minutes int) int {
	if minutes < minTaskMinutes {
		return minTaskMinutes
	}
	if minutes > maxTaskMinutes {
		return maxTaskMinutes
	}
	return minutes
}

func sanitizePriority(p string) types.TaskPriority {
	switch types.TaskPriority(strings.ToLower(strings.TrimSpace(p))) {
	case types.PriorityLow:
		return types.PriorityLow
	case types.PriorityHigh:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

// parseMilestones extracts the raw milestone list from the response body.
// Accepts either {"milestones": [...]} or a bare top-level array, with or
// without markdown code fences.
func parseMilestones(content string) ([]json.RawMessage, bool) {
	content = unfence(content)

	var wrapper struct {
		Milestones []json.RawMessage `json:"milestones"`
	}
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil && wrapper.Milestones != nil {
		return wrapper.Milestones, true
	}

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(content), &list); err == nil {
		return list, true
	}

	return nil, false
}

// unfence strips a surrounding markdown code fence, if present.
func unfence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		// Drop the language tag line ("json", etc.)
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
