package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stridelabs/stride/internal/types"
)

// --- Test doubles ---

// nopSocket satisfies the socket interface for connections driven directly
// through HandleEvent.
type nopSocket struct{}

func (nopSocket) ReadJSON(v any) error  { return errors.New("closed") }
func (nopSocket) WriteJSON(v any) error { return nil }
func (nopSocket) Close() error          { return nil }

// fakeVerifier accepts any token of the form "token-<user>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (string, error) {
	const prefix = "token-"
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		return token[len(prefix):], nil
	}
	return "", errors.New("invalid token")
}

// fakeStore implements the Store interface for hub testing
type fakeStore struct {
	goals map[string]*types.Goal
	tasks map[string]*types.Task

	stats     types.TaskStats
	userStats types.UserStats

	completed      map[string]bool
	unlocked       map[string]bool
	progressWrites map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		goals:          make(map[string]*types.Goal),
		tasks:          make(map[string]*types.Task),
		completed:      make(map[string]bool),
		unlocked:       make(map[string]bool),
		progressWrites: make(map[string]int),
	}
}

func (f *fakeStore) GetGoal(ctx context.Context, id string) (*types.Goal, error) {
	if g, ok := f.goals[id]; ok {
		return g, nil
	}
	return nil, errors.New("goal not found")
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("task not found")
}

func (f *fakeStore) CompleteTask(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.completed[id] {
		return false, nil
	}
	f.completed[id] = true
	return true, nil
}

func (f *fakeStore) CountTasks(ctx context.Context, goalID string) (int, int, error) {
	total, completed := 0, 0
	for _, t := range f.tasks {
		if t.GoalID != goalID {
			continue
		}
		total++
		if f.completed[t.ID] {
			completed++
		}
	}
	return total, completed, nil
}

func (f *fakeStore) UpdateGoalProgress(ctx context.Context, id string, progressPct int) error {
	f.progressWrites[id] = progressPct
	return nil
}

func (f *fakeStore) UserTaskStats(ctx context.Context, userID string, now time.Time) (*types.TaskStats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeStore) UserStats(ctx context.Context, userID string) (*types.UserStats, error) {
	stats := f.userStats
	return &stats, nil
}

func (f *fakeStore) UnlockAchievements(ctx context.Context, userID string, codes []string) ([]string, error) {
	var newly []string
	for _, code := range codes {
		key := userID + "/" + code
		if f.unlocked[key] {
			continue
		}
		f.unlocked[key] = true
		newly = append(newly, code)
	}
	return newly, nil
}

// --- Helpers ---

func newTestHub(t *testing.T) (*Hub, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	return NewHub(fs, fakeVerifier{}), fs
}

// testConn registers a connection without a write pump so queued events can
// be inspected directly.
func testConn(h *Hub) *Conn {
	c := newConn(nopSocket{})
	h.register(c)
	return c
}

func drain(c *Conn) []Envelope {
	var events []Envelope
	for {
		select {
		case env := <-c.send:
			events = append(events, env)
		default:
			return events
		}
	}
}

func eventNames(events []Envelope) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}

func authAs(t *testing.T, h *Hub, c *Conn, userID string) {
	t.Helper()
	h.authenticate(context.Background(), c, "token-"+userID)
	events := drain(c)
	if len(events) < 1 || events[0].Event != EventAuthenticated {
		t.Fatalf("Expected authenticated event, got %v", eventNames(events))
	}
}

func join(t *testing.T, h *Hub, c *Conn, goalID string) {
	t.Helper()
	h.joinGoal(c, goalID)
	drain(c)
}

// --- Tests ---

func TestAuthenticate_Success(t *testing.T) {
	h, fs := newTestHub(t)
	fs.userStats = types.UserStats{TotalGoals: 2, ActiveGoals: 1}
	c := testConn(h)

	h.authenticate(context.Background(), c, "token-user-1")

	events := drain(c)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %v", eventNames(events))
	}
	if events[0].Event != EventAuthenticated {
		t.Errorf("Expected authenticated first, got %s", events[0].Event)
	}
	if events[1].Event != EventUserStats {
		t.Errorf("Expected user_stats second, got %s", events[1].Event)
	}

	var stats types.UserStats
	if err := json.Unmarshal(events[1].Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalGoals != 2 {
		t.Errorf("Expected stats snapshot, got %+v", stats)
	}
}

func TestAuthenticate_InvalidTokenKeepsConnection(t *testing.T) {
	h, _ := newTestHub(t)
	c := testConn(h)

	h.authenticate(context.Background(), c, "garbage")

	events := drain(c)
	if len(events) != 1 || events[0].Event != EventAuthError {
		t.Fatalf("Expected auth_error only, got %v", eventNames(events))
	}
	if h.ConnectionCount() != 1 {
		t.Error("Expected connection to stay registered after failed auth")
	}

	// The same socket may retry and succeed
	h.authenticate(context.Background(), c, "token-user-1")
	events = drain(c)
	if len(events) == 0 || events[0].Event != EventAuthenticated {
		t.Errorf("Expected retry to authenticate, got %v", eventNames(events))
	}
}

func TestJoinGoal_RequiresAuth(t *testing.T) {
	h, _ := newTestHub(t)
	c := testConn(h)

	h.joinGoal(c, "goal-1")

	h.mu.Lock()
	_, exists := h.rooms["goal-1"]
	h.mu.Unlock()
	if exists {
		t.Error("Expected unauthenticated join to be ignored")
	}
}

func TestJoinGoal_AnnouncesToOthersOnly(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")
	join(t, h, a, "goal-1")

	h.joinGoal(b, "goal-1")

	aEvents := drain(a)
	if len(aEvents) != 1 || aEvents[0].Event != EventUserJoinedGoal {
		t.Fatalf("Expected user_joined_goal for existing member, got %v", eventNames(aEvents))
	}
	var p presencePayload
	if err := json.Unmarshal(aEvents[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "user-b" || p.GoalID != "goal-1" {
		t.Errorf("Unexpected presence payload %+v", p)
	}

	// The joining connection gets no echo of its own presence
	if events := drain(b); len(events) != 0 {
		t.Errorf("Expected no echo to joiner, got %v", eventNames(events))
	}
}

func TestLeaveGoal_AnnouncesDeparture(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")
	join(t, h, a, "goal-1")
	join(t, h, b, "goal-1")
	drain(a)

	h.leaveGoal(b, "goal-1")

	events := drain(a)
	if len(events) != 1 || events[0].Event != EventUserLeftGoal {
		t.Fatalf("Expected user_left_goal, got %v", eventNames(events))
	}

	// Leaving a room the connection never joined is a no-op
	h.leaveGoal(b, "goal-1")
	if events := drain(a); len(events) != 0 {
		t.Errorf("Expected no event for repeated leave, got %v", eventNames(events))
	}
}

func TestTyping_RelayedToRoom(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")
	join(t, h, a, "goal-1")
	join(t, h, b, "goal-1")
	drain(a)

	h.typing(b, "goal-1", true)

	events := drain(a)
	if len(events) != 1 || events[0].Event != EventUserTyping {
		t.Fatalf("Expected user_typing, got %v", eventNames(events))
	}
	var p typingPayload
	if err := json.Unmarshal(events[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if !p.Typing || p.UserID != "user-b" {
		t.Errorf("Unexpected typing payload %+v", p)
	}
	if events := drain(b); len(events) != 0 {
		t.Errorf("Expected no echo to sender, got %v", eventNames(events))
	}

	// Typing outside a joined room is dropped
	h.typing(b, "goal-2", true)
	if events := drain(a); len(events) != 0 {
		t.Errorf("Expected no relay for unjoined room, got %v", eventNames(events))
	}
}

func TestCursorMove_RelayedToRoom(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")
	join(t, h, a, "goal-1")
	join(t, h, b, "goal-1")
	drain(a)

	h.cursorMove(b, cursorMovePayload{GoalID: "goal-1", X: 0.25, Y: 0.75})

	events := drain(a)
	if len(events) != 1 || events[0].Event != EventCursorMove {
		t.Fatalf("Expected cursor_move relay, got %v", eventNames(events))
	}
	var p cursorBroadcastPayload
	if err := json.Unmarshal(events[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.X != 0.25 || p.Y != 0.75 || p.UserID != "user-b" {
		t.Errorf("Unexpected cursor payload %+v", p)
	}
}

func TestProgressUpdate_OwnerOnly(t *testing.T) {
	h, fs := newTestHub(t)
	fs.goals["goal-1"] = &types.Goal{ID: "goal-1", UserID: "user-a"}
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")

	// Non-owner report is silently ignored
	h.progressUpdate(context.Background(), b, progressUpdatePayload{GoalID: "goal-1", Progress: 50})
	if len(fs.progressWrites) != 0 {
		t.Error("Expected no progress write for non-owner")
	}
	if events := drain(b); len(events) != 0 {
		t.Errorf("Expected no events for non-owner, got %v", eventNames(events))
	}

	h.progressUpdate(context.Background(), a, progressUpdatePayload{GoalID: "goal-1", Progress: 150})
	if fs.progressWrites["goal-1"] != 100 {
		t.Errorf("Expected progress clamped to 100, got %d", fs.progressWrites["goal-1"])
	}
	events := drain(a)
	if len(events) != 1 || events[0].Event != EventGoalProgressUpdated {
		t.Fatalf("Expected goal_progress_updated, got %v", eventNames(events))
	}
}

func TestProgressUpdate_SyncsAllUserSessions(t *testing.T) {
	h, fs := newTestHub(t)
	fs.goals["goal-1"] = &types.Goal{ID: "goal-1", UserID: "user-a"}
	phone, laptop := testConn(h), testConn(h)
	authAs(t, h, phone, "user-a")
	authAs(t, h, laptop, "user-a")

	h.progressUpdate(context.Background(), phone, progressUpdatePayload{GoalID: "goal-1", Progress: 40})

	for name, c := range map[string]*Conn{"phone": phone, "laptop": laptop} {
		events := drain(c)
		if len(events) != 1 || events[0].Event != EventGoalProgressUpdated {
			t.Errorf("%s: expected goal_progress_updated, got %v", name, eventNames(events))
		}
	}
}

func setupTaskFixture(fs *fakeStore) {
	fs.goals["goal-1"] = &types.Goal{ID: "goal-1", UserID: "user-a"}
	fs.tasks["task-1"] = &types.Task{ID: "task-1", GoalID: "goal-1"}
	fs.tasks["task-2"] = &types.Task{ID: "task-2", GoalID: "goal-1"}
	fs.tasks["task-3"] = &types.Task{ID: "task-3", GoalID: "goal-1"}
}

func TestTaskCompleted_BroadcastsProgress(t *testing.T) {
	h, fs := newTestHub(t)
	setupTaskFixture(fs)
	fs.stats = types.TaskStats{TotalCompleted: 3}
	c := testConn(h)
	authAs(t, h, c, "user-a")

	h.taskCompleted(context.Background(), c, "task-1")

	events := drain(c)
	names := eventNames(events)
	if len(events) != 2 || names[0] != EventTaskCompleted || names[1] != EventGoalProgressUpdated {
		t.Fatalf("Expected task_completed then goal_progress_updated, got %v", names)
	}

	var p taskCompletedBroadcast
	if err := json.Unmarshal(events[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	// 1 of 3 tasks completed rounds to 33
	if p.Progress != 33 {
		t.Errorf("Expected progress 33, got %d", p.Progress)
	}
	if fs.progressWrites["goal-1"] != 33 {
		t.Errorf("Expected persisted progress 33, got %d", fs.progressWrites["goal-1"])
	}
}

func TestTaskCompleted_RepeatFiresNothing(t *testing.T) {
	h, fs := newTestHub(t)
	setupTaskFixture(fs)
	fs.stats = types.TaskStats{TotalCompleted: 1}
	c := testConn(h)
	authAs(t, h, c, "user-a")

	h.taskCompleted(context.Background(), c, "task-1")
	drain(c)

	h.taskCompleted(context.Background(), c, "task-1")
	if events := drain(c); len(events) != 0 {
		t.Errorf("Expected repeated completion to fire nothing, got %v", eventNames(events))
	}
}

func TestTaskCompleted_ForeignGoalIgnored(t *testing.T) {
	h, fs := newTestHub(t)
	setupTaskFixture(fs)
	c := testConn(h)
	authAs(t, h, c, "user-b")

	h.taskCompleted(context.Background(), c, "task-1")

	if fs.completed["task-1"] {
		t.Error("Expected completion of another user's task to be ignored")
	}
	if events := drain(c); len(events) != 0 {
		t.Errorf("Expected no events, got %v", eventNames(events))
	}
}

func TestTaskCompleted_AchievementsBatched(t *testing.T) {
	h, fs := newTestHub(t)
	setupTaskFixture(fs)
	// One completion crossing two thresholds at once
	fs.stats = types.TaskStats{TotalCompleted: 10, CompletedToday: 5}
	c := testConn(h)
	authAs(t, h, c, "user-a")

	h.taskCompleted(context.Background(), c, "task-1")

	events := drain(c)
	names := eventNames(events)
	if len(events) != 3 || names[2] != EventAchievementsUnlocked {
		t.Fatalf("Expected one achievements_unlocked event, got %v", names)
	}

	var p achievementsPayload
	if err := json.Unmarshal(events[2].Data, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Achievements) != 2 {
		t.Fatalf("Expected 2 achievements in one batch, got %+v", p.Achievements)
	}
	got := map[string]string{}
	for _, a := range p.Achievements {
		got[a.Code] = a.Title
	}
	if got[AchOnARoll] != "On a Roll" || got[AchDailyWarrior] != "Daily Warrior" {
		t.Errorf("Unexpected batch contents %v", got)
	}
}

func TestTaskCompleted_AchievementsNeverRefire(t *testing.T) {
	h, fs := newTestHub(t)
	setupTaskFixture(fs)
	fs.stats = types.TaskStats{TotalCompleted: 1}
	c := testConn(h)
	authAs(t, h, c, "user-a")

	h.taskCompleted(context.Background(), c, "task-1")
	drain(c)

	// Same counter value again (durable dedup catches replays)
	h.taskCompleted(context.Background(), c, "task-2")
	for _, env := range drain(c) {
		if env.Event == EventAchievementsUnlocked {
			t.Error("Expected already-unlocked achievement not to refire")
		}
	}
}

func TestDisconnect_CleansUpPresence(t *testing.T) {
	h, _ := newTestHub(t)
	a, b := testConn(h), testConn(h)
	authAs(t, h, a, "user-a")
	authAs(t, h, b, "user-b")
	join(t, h, a, "goal-1")
	join(t, h, b, "goal-1")
	drain(a)

	h.Disconnect(b)

	events := drain(a)
	if len(events) != 1 || events[0].Event != EventUserLeftGoal {
		t.Fatalf("Expected user_left_goal on disconnect, got %v", eventNames(events))
	}
	if h.ConnectionCount() != 1 {
		t.Errorf("Expected 1 live connection, got %d", h.ConnectionCount())
	}

	h.mu.Lock()
	_, userThere := h.users["user-b"]
	roomSize := len(h.rooms["goal-1"])
	h.mu.Unlock()
	if userThere {
		t.Error("Expected user registry entry removed")
	}
	if roomSize != 1 {
		t.Errorf("Expected 1 remaining room member, got %d", roomSize)
	}

	// Double disconnect is safe
	h.Disconnect(b)
}

func TestHandleEvent_DispatchesFromWire(t *testing.T) {
	h, _ := newTestHub(t)
	c := testConn(h)

	data, _ := json.Marshal(authenticatePayload{Token: "token-user-1"})
	h.HandleEvent(context.Background(), c, Envelope{Event: EventAuthenticate, Data: data})

	events := drain(c)
	if len(events) == 0 || events[0].Event != EventAuthenticated {
		t.Fatalf("Expected wire authenticate to succeed, got %v", eventNames(events))
	}

	// Unknown events and malformed payloads are ignored
	h.HandleEvent(context.Background(), c, Envelope{Event: "mystery"})
	h.HandleEvent(context.Background(), c, Envelope{Event: EventJoinGoal, Data: json.RawMessage(`42`)})
	if events := drain(c); len(events) != 0 {
		t.Errorf("Expected no reaction, got %v", eventNames(events))
	}
}

func TestPlanNotifications(t *testing.T) {
	h, _ := newTestHub(t)
	c := testConn(h)
	authAs(t, h, c, "user-a")

	h.PlanReady("user-a", "goal-1")
	events := drain(c)
	if len(events) != 1 || events[0].Event != EventPlanAdapted {
		t.Fatalf("Expected plan_adapted, got %v", eventNames(events))
	}
	var p planAdaptedPayload
	if err := json.Unmarshal(events[0].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != types.GoalActive {
		t.Errorf("Expected ACTIVE status, got %s", p.Status)
	}

	h.PlanFailed("user-a", "goal-1", "generation failed")
	events = drain(c)
	if len(events) != 1 || events[0].Event != EventNotification {
		t.Fatalf("Expected notification, got %v", eventNames(events))
	}
}
