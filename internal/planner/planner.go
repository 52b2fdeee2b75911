// Package planner generates day-by-day action plans for goals. The primary
// implementation calls a remote language model; a deterministic fallback
// guarantees that generation always terminates with a usable plan.
package planner

import (
	"context"

	"github.com/stridelabs/stride/internal/types"
)

// Generator defines the interface contract for plan generation.
type Generator interface {
	GeneratePlan(ctx context.Context, spec types.GoalSpec) (*types.Plan, error)
}
