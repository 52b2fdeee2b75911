// Package realtime implements the push-notification hub: live websocket
// sessions, per-user and per-goal registries, presence, progress sync and
// achievement delivery.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stridelabs/stride/internal/auth"
	"github.com/stridelabs/stride/internal/types"
)

// Store defines the persistence operations required by the hub.
// Implemented by store.SQLiteStore.
type Store interface {
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) (bool, error)
	CountTasks(ctx context.Context, goalID string) (total, completed int, err error)
	UpdateGoalProgress(ctx context.Context, id string, progressPct int) error
	UserTaskStats(ctx context.Context, userID string, now time.Time) (*types.TaskStats, error)
	UserStats(ctx context.Context, userID string) (*types.UserStats, error)
	UnlockAchievements(ctx context.Context, userID string, codes []string) ([]string, error)
}

// Hub maintains the live connections and fans events out to interested
// sessions. It is the sole mutator of the registries: user id → connection
// ids, connection id → connection, and goal id → room membership. All
// three are guarded by one mutex, so an entry can never appear in one
// registry without its counterpart in the other.
type Hub struct {
	store    Store
	verifier auth.Verifier
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
	users map[string]map[string]*Conn
	rooms map[string]map[string]*Conn
}

// NewHub creates a hub over the given store and token verifier.
func NewHub(store Store, verifier auth.Verifier) *Hub {
	return &Hub{
		store:    store,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from app origins unknown at build
			// time; authorization happens in-band via token exchange.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
		users: make(map[string]map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// ServeWS upgrades the request and runs the connection's read loop until
// the peer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed",
			"component", "realtime",
			"remote_ip", r.RemoteAddr,
			"error", err,
		)
		return
	}

	c := newConn(sock)
	h.register(c)
	go c.writePump()

	h.readLoop(r.Context(), c)
}

// readLoop handles one connection's events in arrival order.
func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	defer h.Disconnect(c)

	for {
		var env Envelope
		if err := c.sock.ReadJSON(&env); err != nil {
			return
		}
		h.HandleEvent(ctx, c, env)
	}
}

// NewConn registers a connection over an arbitrary socket. Exposed for
// tests; production connections arrive through ServeWS.
func (h *Hub) NewConn(sock socket) *Conn {
	c := newConn(sock)
	h.register(c)
	go c.writePump()
	return c
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// HandleEvent dispatches a single client event.
func (h *Hub) HandleEvent(ctx context.Context, c *Conn, env Envelope) {
	switch env.Event {
	case EventAuthenticate:
		var p authenticatePayload
		if !decode(env.Data, &p) {
			return
		}
		h.authenticate(ctx, c, p.Token)
	case EventJoinGoal:
		var p goalRoomPayload
		if !decode(env.Data, &p) {
			return
		}
		h.joinGoal(c, p.GoalID)
	case EventLeaveGoal:
		var p goalRoomPayload
		if !decode(env.Data, &p) {
			return
		}
		h.leaveGoal(c, p.GoalID)
	case EventTypingStart, EventTypingStop:
		var p goalRoomPayload
		if !decode(env.Data, &p) {
			return
		}
		h.typing(c, p.GoalID, env.Event == EventTypingStart)
	case EventCursorMove:
		var p cursorMovePayload
		if !decode(env.Data, &p) {
			return
		}
		h.cursorMove(c, p)
	case EventTaskCompleted:
		var p taskCompletedPayload
		if !decode(env.Data, &p) {
			return
		}
		h.taskCompleted(ctx, c, p.TaskID)
	case EventGoalProgressUpdate:
		var p progressUpdatePayload
		if !decode(env.Data, &p) {
			return
		}
		h.progressUpdate(ctx, c, p)
	case EventAddComment:
		var p addCommentPayload
		if !decode(env.Data, &p) {
			return
		}
		h.addComment(c, p)
	default:
		slog.Debug("unknown realtime event",
			"component", "realtime",
			"event", env.Event,
		)
	}
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// authenticate verifies the token, registers the connection under the user
// id, and pushes the current-state snapshot. An invalid token yields an
// auth_error event without disconnecting the socket.
func (h *Hub) authenticate(ctx context.Context, c *Conn, token string) {
	userID, err := h.verifier.Verify(token)
	if err != nil {
		h.sendTo(c, outbound(EventAuthError, authErrorPayload{Message: "invalid or expired token"}))
		return
	}

	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	// Re-authentication moves the connection between users atomically
	if c.userID != "" && c.userID != userID {
		h.removeFromUserLocked(c)
	}
	c.userID = userID
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*Conn)
	}
	h.users[userID][c.id] = c
	h.mu.Unlock()

	h.sendTo(c, outbound(EventAuthenticated, authenticatedPayload{UserID: userID}))

	stats, err := h.store.UserStats(ctx, userID)
	if err != nil {
		slog.Error("failed to load user stats",
			"component", "realtime",
			"user_id", userID,
			"error", err,
		)
		return
	}
	h.sendTo(c, outbound(EventUserStats, stats))
}

// joinGoal adds the connection to a goal room and announces presence to
// the rest of the room, not to the joining connection itself.
func (h *Hub) joinGoal(c *Conn, goalID string) {
	if goalID == "" {
		return
	}

	h.mu.Lock()
	if c.closed || c.userID == "" {
		h.mu.Unlock()
		return
	}
	if h.rooms[goalID] == nil {
		h.rooms[goalID] = make(map[string]*Conn)
	}
	h.rooms[goalID][c.id] = c
	c.rooms[goalID] = struct{}{}
	env := outbound(EventUserJoinedGoal, presencePayload{GoalID: goalID, UserID: c.userID})
	h.sendToRoomLocked(goalID, c.id, env)
	h.mu.Unlock()
}

// leaveGoal removes the connection from a goal room and announces the
// departure to the remaining members.
func (h *Hub) leaveGoal(c *Conn, goalID string) {
	h.mu.Lock()
	if _, member := c.rooms[goalID]; !member {
		h.mu.Unlock()
		return
	}
	h.removeFromRoomLocked(c, goalID)
	env := outbound(EventUserLeftGoal, presencePayload{GoalID: goalID, UserID: c.userID})
	h.sendToRoomLocked(goalID, c.id, env)
	h.mu.Unlock()
}

func (h *Hub) typing(c *Conn, goalID string, typing bool) {
	h.mu.Lock()
	if _, member := c.rooms[goalID]; member {
		env := outbound(EventUserTyping, typingPayload{GoalID: goalID, UserID: c.userID, Typing: typing})
		h.sendToRoomLocked(goalID, c.id, env)
	}
	h.mu.Unlock()
}

func (h *Hub) cursorMove(c *Conn, p cursorMovePayload) {
	h.mu.Lock()
	if _, member := c.rooms[p.GoalID]; member {
		env := outbound(EventCursorMove, cursorBroadcastPayload{GoalID: p.GoalID, UserID: c.userID, X: p.X, Y: p.Y})
		h.sendToRoomLocked(p.GoalID, c.id, env)
	}
	h.mu.Unlock()
}

func (h *Hub) addComment(c *Conn, p addCommentPayload) {
	h.mu.Lock()
	if _, member := c.rooms[p.GoalID]; member {
		env := outbound(EventNotification, notificationPayload{
			Type:    "comment",
			GoalID:  p.GoalID,
			UserID:  c.userID,
			Message: p.Text,
		})
		h.sendToRoomLocked(p.GoalID, c.id, env)
	}
	h.mu.Unlock()
}

// progressUpdate persists a progress report and re-broadcasts it to every
// connection owned by that user for multi-device sync. A report for a goal
// the connection's user does not own is silently ignored.
func (h *Hub) progressUpdate(ctx context.Context, c *Conn, p progressUpdatePayload) {
	userID := h.userOf(c)
	if userID == "" {
		return
	}

	goal, err := h.store.GetGoal(ctx, p.GoalID)
	if err != nil || goal.UserID != userID {
		return
	}

	progress := p.Progress
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := h.store.UpdateGoalProgress(ctx, p.GoalID, progress); err != nil {
		slog.Error("failed to persist goal progress",
			"component", "realtime",
			"goal_id", p.GoalID,
			"error", err,
		)
		return
	}

	h.BroadcastToUser(userID, outbound(EventGoalProgressUpdated, progressBroadcast{GoalID: p.GoalID, Progress: progress}))
}

// taskCompleted marks the task complete, recomputes the owning goal's
// progress, broadcasts both events to the user's connections and evaluates
// achievements. A repeated completion of an already-completed task changes
// nothing and re-fires nothing.
func (h *Hub) taskCompleted(ctx context.Context, c *Conn, taskID string) {
	userID := h.userOf(c)
	if userID == "" {
		return
	}

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	goal, err := h.store.GetGoal(ctx, task.GoalID)
	if err != nil || goal.UserID != userID {
		return
	}

	now := time.Now().UTC()
	changed, err := h.store.CompleteTask(ctx, taskID, now)
	if err != nil {
		slog.Error("failed to complete task",
			"component", "realtime",
			"task_id", taskID,
			"error", err,
		)
		return
	}
	if !changed {
		return
	}

	total, completed, err := h.store.CountTasks(ctx, task.GoalID)
	if err != nil {
		slog.Error("failed to count tasks",
			"component", "realtime",
			"goal_id", task.GoalID,
			"error", err,
		)
		return
	}
	progress := 0
	if total > 0 {
		progress = int(math.Round(float64(completed) / float64(total) * 100))
	}
	if err := h.store.UpdateGoalProgress(ctx, task.GoalID, progress); err != nil {
		slog.Error("failed to persist goal progress",
			"component", "realtime",
			"goal_id", task.GoalID,
			"error", err,
		)
		return
	}

	// Events follow the committed writes: clients never observe state
	// that is not yet durable.
	h.BroadcastToUser(userID, outbound(EventTaskCompleted, taskCompletedBroadcast{
		TaskID:   taskID,
		GoalID:   task.GoalID,
		Progress: progress,
	}))
	h.BroadcastToUser(userID, outbound(EventGoalProgressUpdated, progressBroadcast{
		GoalID:   task.GoalID,
		Progress: progress,
	}))

	h.evaluateAchievements(ctx, userID, now)
}

func (h *Hub) evaluateAchievements(ctx context.Context, userID string, now time.Time) {
	stats, err := h.store.UserTaskStats(ctx, userID, now)
	if err != nil {
		slog.Error("failed to load task stats",
			"component", "realtime",
			"user_id", userID,
			"error", err,
		)
		return
	}

	codes := EvaluateAchievements(*stats)
	if len(codes) == 0 {
		return
	}

	newly, err := h.store.UnlockAchievements(ctx, userID, codes)
	if err != nil {
		slog.Error("failed to record achievements",
			"component", "realtime",
			"user_id", userID,
			"error", err,
		)
		return
	}
	if len(newly) == 0 {
		return
	}

	unlocked := make([]types.Achievement, 0, len(newly))
	for _, code := range newly {
		unlocked = append(unlocked, types.Achievement{Code: code, Title: AchievementTitle(code)})
	}

	// All thresholds crossed by one completion arrive in a single event
	h.BroadcastToUser(userID, outbound(EventAchievementsUnlocked, achievementsPayload{Achievements: unlocked}))
}

// PlanReady pushes the plan-ready notification to every session owned by
// the user. Called by the plan worker after the plan is durably persisted.
func (h *Hub) PlanReady(userID, goalID string) {
	h.BroadcastToUser(userID, outbound(EventPlanAdapted, planAdaptedPayload{GoalID: goalID, Status: types.GoalActive}))
}

// PlanFailed pushes the plan-failed notification to every session owned by
// the user.
func (h *Hub) PlanFailed(userID, goalID, reason string) {
	h.BroadcastToUser(userID, outbound(EventNotification, notificationPayload{
		Type:    "plan_failed",
		GoalID:  goalID,
		Message: reason,
	}))
}

// Disconnect deregisters the connection from the user registry and every
// joined room, emitting room-leave presence events as a side effect.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true

	delete(h.conns, c.id)
	h.removeFromUserLocked(c)

	userID := c.userID
	var left []string
	for goalID := range c.rooms {
		left = append(left, goalID)
	}
	for _, goalID := range left {
		h.removeFromRoomLocked(c, goalID)
		env := outbound(EventUserLeftGoal, presencePayload{GoalID: goalID, UserID: userID})
		h.sendToRoomLocked(goalID, c.id, env)
	}

	close(c.send)
	h.mu.Unlock()
}

// BroadcastToUser delivers an event to every live connection of a user.
func (h *Hub) BroadcastToUser(userID string, env Envelope) {
	h.mu.Lock()
	for _, c := range h.users[userID] {
		h.sendLocked(c, env)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) userOf(c *Conn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.userID
}

func (h *Hub) sendTo(c *Conn, env Envelope) {
	h.mu.Lock()
	h.sendLocked(c, env)
	h.mu.Unlock()
}

// sendLocked enqueues an event without blocking. Callers hold h.mu.
func (h *Hub) sendLocked(c *Conn, env Envelope) {
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
		slog.Warn("dropping event for slow connection",
			"component", "realtime",
			"connection_id", c.id,
			"event", env.Event,
		)
	}
}

// sendToRoomLocked broadcasts to every room member except one connection.
// Callers hold h.mu.
func (h *Hub) sendToRoomLocked(goalID, exceptConnID string, env Envelope) {
	for id, member := range h.rooms[goalID] {
		if id == exceptConnID {
			continue
		}
		h.sendLocked(member, env)
	}
}

// removeFromUserLocked drops the connection from the user registry,
// pruning the user's set when it empties. Callers hold h.mu.
func (h *Hub) removeFromUserLocked(c *Conn) {
	if c.userID == "" {
		return
	}
	if set, ok := h.users[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
}

// removeFromRoomLocked drops the connection from one room, pruning the
// room when it empties. Callers hold h.mu.
func (h *Hub) removeFromRoomLocked(c *Conn, goalID string) {
	delete(c.rooms, goalID)
	if room, ok := h.rooms[goalID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, goalID)
		}
	}
}
