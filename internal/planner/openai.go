package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stridelabs/stride/internal/types"
)

// Compile-time interface check
var _ Generator = (*OpenAIPlanner)(nil)

// ChatService defines the interface for making chat-completion API calls.
// This abstraction enables testing without calling the real OpenAI API.
type ChatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIPlanner generates plans via OpenAI chat completions. Remote
// failures and unusable responses are recovered locally with the
// deterministic fallback plan; GeneratePlan itself never fails a goal.
type OpenAIPlanner struct {
	chat        ChatService
	model       openai.ChatModel
	timeout     time.Duration
	maxAttempts int
}

// NewOpenAIPlanner creates a planner backed by the OpenAI API.
func NewOpenAIPlanner(apiKey, model string, timeout time.Duration, maxAttempts int) *OpenAIPlanner {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIPlanner{
		chat:        client.Chat.Completions,
		model:       openai.ChatModel(model),
		timeout:     timeout,
		maxAttempts: maxAttempts,
	}
}

// NewOpenAIPlannerWithService creates a planner over an explicit chat
// service. Used for testing.
func NewOpenAIPlannerWithService(chat ChatService, model string, timeout time.Duration, maxAttempts int) *OpenAIPlanner {
	return &OpenAIPlanner{
		chat:        chat,
		model:       openai.ChatModel(model),
		timeout:     timeout,
		maxAttempts: maxAttempts,
	}
}

// GeneratePlan requests a structured plan from the model, sanitizes it,
// and falls back to the deterministic plan when the remote call fails
// after its retry budget or the response cannot be coerced.
func (p *OpenAIPlanner) GeneratePlan(ctx context.Context, spec types.GoalSpec) (*types.Plan, error) {
	content, err := p.requestPlan(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("plan generation failed, using fallback",
			"component", "planner",
			"goal_name", spec.Name,
			"error", err,
		)
		return FallbackPlan(spec), nil
	}

	plan, ok := CoercePlan(content, spec)
	if !ok {
		slog.Warn("plan response not coercible, using fallback",
			"component", "planner",
			"goal_name", spec.Name,
		)
		return FallbackPlan(spec), nil
	}
	return plan, nil
}

// requestPlan calls the model with a bounded per-attempt timeout and a
// small retry budget. Attempts are independent; after the budget is
// exhausted the last error is returned explicitly.
func (p *OpenAIPlanner) requestPlan(ctx context.Context, spec types.GoalSpec) (string, error) {
	prompt := buildPrompt(spec)

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := p.chat.New(attemptCtx, openai.ChatCompletionNewParams{
			Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(prompt),
			}),
			Model:       openai.F(p.model),
			Temperature: openai.F(0.4),
		})
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				err = errors.New("completion returned no choices")
			} else {
				return resp.Choices[0].Message.Content, nil
			}
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Debug("plan generation attempt failed",
			"component", "planner",
			"attempt", attempt,
			"error", err,
		)
	}

	return "", fmt.Errorf("plan generation failed after %d attempts: %w", p.maxAttempts, lastErr)
}

const systemPrompt = "You are a learning coach that produces structured, realistic day-by-day action plans. " +
	"Respond with JSON only, no prose and no markdown fences."

// buildPrompt renders the natural-language instruction requesting a
// structured plan for the goal.
func buildPrompt(spec types.GoalSpec) string {
	return fmt.Sprintf(`Create an action plan for the goal %q.

Constraints:
- Total duration: %d days (%d weeks).
- Available time: %d minutes per day.
- Skill level: %s.

Respond with a JSON object of this exact shape:
{
  "milestones": [
    {
      "week": 1,
      "title": "short milestone title",
      "tasks": [
        {
          "day": 1,
          "title": "short task title",
          "description": "what to do that day",
          "estimated_minutes": %d,
          "priority": "low|medium|high"
        }
      ]
    }
  ]
}

Rules:
- One milestone per week, at most %d milestones.
- Day numbers are 1-7 within each week.
- Do not plan past day %d.`,
		spec.Name,
		spec.DurationDays, spec.WeekCount(),
		spec.TimePerDayMinutes,
		spec.SkillLevel,
		clampMinutes(spec.TimePerDayMinutes),
		spec.WeekCount(),
		spec.DurationDays,
	)
}
