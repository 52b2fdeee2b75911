package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stridelabs/stride/internal/types"
)

// mockChatService implements the ChatService interface for testing
type mockChatService struct {
	responses []string
	errs      []error
	calls     int
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	content := ""
	if i < len(m.responses) {
		content = m.responses[i]
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}, nil
}

func testSpec() types.GoalSpec {
	return types.GoalSpec{
		Name:              "Learn Go",
		DurationDays:      14,
		TimePerDayMinutes: 60,
		SkillLevel:        types.SkillBeginner,
	}
}

const validResponse = `{"milestones": [{"week": 1, "title": "Basics", "tasks": [{"day": 1, "title": "Setup", "estimated_minutes": 30, "priority": "high"}]}]}`

func TestGeneratePlan_UsesRemoteResponse(t *testing.T) {
	chat := &mockChatService{responses: []string{validResponse}}
	p := NewOpenAIPlannerWithService(chat, "gpt-4o-mini", time.Second, 2)

	plan, err := p.GeneratePlan(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Milestones) != 1 || plan.Milestones[0].Title != "Basics" {
		t.Errorf("Expected remote plan, got %+v", plan)
	}
	if chat.calls != 1 {
		t.Errorf("Expected 1 call, got %d", chat.calls)
	}
}

func TestGeneratePlan_RetriesThenSucceeds(t *testing.T) {
	chat := &mockChatService{
		errs:      []error{errors.New("rate limited"), nil},
		responses: []string{"", validResponse},
	}
	p := NewOpenAIPlannerWithService(chat, "gpt-4o-mini", time.Second, 2)

	plan, err := p.GeneratePlan(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if plan.Milestones[0].Title != "Basics" {
		t.Errorf("Expected remote plan after retry, got %+v", plan)
	}
	if chat.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", chat.calls)
	}
}

func TestGeneratePlan_FallsBackAfterRetryBudget(t *testing.T) {
	chat := &mockChatService{
		errs: []error{errors.New("boom"), errors.New("boom")},
	}
	p := NewOpenAIPlannerWithService(chat, "gpt-4o-mini", time.Second, 2)

	spec := testSpec()
	plan, err := p.GeneratePlan(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if chat.calls != 2 {
		t.Errorf("Expected retry budget of 2 calls, got %d", chat.calls)
	}
	// Exhausted budget yields the deterministic fallback, not an error
	if len(plan.Milestones) != spec.WeekCount() {
		t.Errorf("Expected fallback with %d milestones, got %d", spec.WeekCount(), len(plan.Milestones))
	}
}

func TestGeneratePlan_FallsBackOnUnusableResponse(t *testing.T) {
	chat := &mockChatService{responses: []string{"I cannot produce JSON today."}}
	p := NewOpenAIPlannerWithService(chat, "gpt-4o-mini", time.Second, 2)

	spec := testSpec()
	plan, err := p.GeneratePlan(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Milestones) != spec.WeekCount() {
		t.Errorf("Expected fallback plan, got %d milestones", len(plan.Milestones))
	}
}

func TestGeneratePlan_ContextCancellationEscapes(t *testing.T) {
	chat := &mockChatService{errs: []error{context.Canceled}}
	p := NewOpenAIPlannerWithService(chat, "gpt-4o-mini", time.Second, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.GeneratePlan(ctx, testSpec())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if chat.calls > 1 {
		t.Errorf("Expected no retries after cancellation, got %d calls", chat.calls)
	}
}
