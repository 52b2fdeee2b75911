package realtime

import (
	"encoding/json"

	"github.com/stridelabs/stride/internal/types"
)

// Wire event names, client → server.
const (
	EventAuthenticate       = "authenticate"
	EventJoinGoal           = "join_goal"
	EventLeaveGoal          = "leave_goal"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventCursorMove         = "cursor_move"
	EventTaskCompleted      = "task_completed"
	EventGoalProgressUpdate = "goal_progress_update"
	EventAddComment         = "add_comment"
)

// Wire event names, server → client.
const (
	EventAuthenticated        = "authenticated"
	EventAuthError            = "auth_error"
	EventUserJoinedGoal       = "user_joined_goal"
	EventUserLeftGoal         = "user_left_goal"
	EventUserTyping           = "user_typing"
	EventGoalProgressUpdated  = "goal_progress_updated"
	EventAchievementsUnlocked = "achievements_unlocked"
	EventPlanAdapted          = "plan_adapted"
	EventUserStats            = "user_stats"
	EventNotification         = "notification"
)

// Envelope is the JSON wire format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound builds a server → client envelope with a marshalled payload.
// Marshal failures are programming errors on our own types; they surface
// as an empty data field rather than a dropped event.
func outbound(event string, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Data: raw}
}

// --- client → server payloads ---

type authenticatePayload struct {
	Token string `json:"token"`
}

type goalRoomPayload struct {
	GoalID string `json:"goal_id"`
}

type cursorMovePayload struct {
	GoalID string  `json:"goal_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type taskCompletedPayload struct {
	TaskID string `json:"task_id"`
}

type progressUpdatePayload struct {
	GoalID   string `json:"goal_id"`
	Progress int    `json:"progress"`
}

type addCommentPayload struct {
	GoalID string `json:"goal_id"`
	Text   string `json:"text"`
}

// --- server → client payloads ---

type authenticatedPayload struct {
	UserID string `json:"user_id"`
}

type authErrorPayload struct {
	Message string `json:"message"`
}

type presencePayload struct {
	GoalID string `json:"goal_id"`
	UserID string `json:"user_id"`
}

type typingPayload struct {
	GoalID string `json:"goal_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type cursorBroadcastPayload struct {
	GoalID string  `json:"goal_id"`
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type taskCompletedBroadcast struct {
	TaskID   string `json:"task_id"`
	GoalID   string `json:"goal_id"`
	Progress int    `json:"progress"`
}

type progressBroadcast struct {
	GoalID   string `json:"goal_id"`
	Progress int    `json:"progress"`
}

type achievementsPayload struct {
	Achievements []types.Achievement `json:"achievements"`
}

type planAdaptedPayload struct {
	GoalID string           `json:"goal_id"`
	Status types.GoalStatus `json:"status"`
}

type notificationPayload struct {
	Type    string `json:"type"`
	GoalID  string `json:"goal_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}
