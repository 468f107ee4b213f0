package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/heartbeat"
	"github.com/castellan-ai/castellan/internal/hitl"
	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/sessions"
	"github.com/castellan-ai/castellan/internal/store"
	"github.com/castellan-ai/castellan/internal/taskloop"
	"github.com/castellan-ai/castellan/pkg/protocol"
)

const llmDownMessage = "I can't reach my language model right now. Please try again in a moment."

// taskMetadataKey marks a SocketRequest that should run as a multi-step task
// instead of a single chat turn.
const taskMetadataKey = "task"

// ChatFunc runs one orchestrator turn; see orchestrator.Chat.
type ChatFunc func(ctx context.Context, sessionID string, history []providers.Turn, chatID, userID string, task *prompt.TaskState) (string, []providers.Turn, error)

// Router maps inbound frames onto the agent core. Turns within one session
// are serialised; distinct sessions run concurrently.
type Router struct {
	chat       ChatFunc
	gate       *hitl.Gate
	sessions   *sessions.Manager
	memory     store.MemoryStore
	tasks      *taskloop.Runner
	heartbeats *heartbeat.Scheduler
	auditLog   *audit.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock // per-session turn serialisation
}

// sessionLock is a refcounted per-session mutex. The entry leaves the map
// when the last holder unlocks, so idle sessions cost nothing.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// RouterConfig wires the router's collaborators. Tasks and Heartbeats may be
// nil; the matching frames then answer with an error.
type RouterConfig struct {
	Chat       ChatFunc
	Gate       *hitl.Gate
	Sessions   *sessions.Manager
	Memory     store.MemoryStore
	Tasks      *taskloop.Runner
	Heartbeats *heartbeat.Scheduler
	Audit      *audit.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		chat:       cfg.Chat,
		gate:       cfg.Gate,
		sessions:   cfg.Sessions,
		memory:     cfg.Memory,
		tasks:      cfg.Tasks,
		heartbeats: cfg.Heartbeats,
		auditLog:   cfg.Audit,
		locks:      make(map[string]*sessionLock),
	}
}

// Handle implements the transport Handler.
func (r *Router) Handle(ctx context.Context, clientID string, env *protocol.Envelope, reply ReplyFunc) {
	switch env.Type {
	case protocol.TypeSocketRequest:
		r.handleSocketRequest(ctx, env, reply)
	case protocol.TypeApprovalDecision:
		r.handleApprovalDecision(ctx, env, reply)
	case protocol.TypeMemoryList:
		r.handleMemoryList(ctx, env, reply)
	case protocol.TypeMemoryDelete:
		r.handleMemoryDelete(ctx, env, reply)
	case protocol.TypeSessionList:
		r.handleSessionList(env, reply)
	case protocol.TypeTaskStop:
		r.handleTaskStop(env, reply)
	case protocol.TypeHeartbeatList:
		r.handleHeartbeatList(env, reply)
	case protocol.TypeHeartbeatToggle:
		r.handleHeartbeatToggle(env, reply)
	default:
		// auth-* command frames belong to external OAuth brokers; the core
		// never terminates those flows.
		if strings.HasPrefix(env.Type, "auth-") {
			_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: "authentication flows are not handled by the gateway"})
			return
		}
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: "unknown frame type " + env.Type})
	}
}

func (r *Router) handleSocketRequest(ctx context.Context, env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.SocketRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	userID := req.Message.UserID
	chatID := req.ReplyTo.ChatID
	source := req.Message.Source
	if source == "" {
		source = "default"
	}
	sessionID := source + ":" + userID

	r.auditLog.Log(audit.EventMessageReceived, sessionID, map[string]any{
		"source": source, "userId": userID, "chatId": chatID,
	})

	// One turn at a time per session; a second message for the same session
	// waits for the first to finish.
	unlock := r.lockSession(sessionID)
	defer unlock()

	var text string
	var err error
	if req.Message.Metadata[taskMetadataKey] == "true" {
		text, err = r.runTask(ctx, userID, req.Message.Content, chatID, sessionID)
	} else {
		text, err = r.runTurn(ctx, sessionID, userID, chatID, req.Message.Content)
	}

	resp := protocol.SocketResponse{
		RequestID: req.RequestID,
		Outgoing: protocol.OutgoingMessage{
			ChatID:    chatID,
			Content:   text,
			ReplyToID: req.ReplyTo.MessageID,
		},
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if err := reply(protocol.TypeSocketResponse, resp); err != nil {
		slog.Warn("gateway.response_send_failed", "sessionId", sessionID, "error", err)
		return
	}
	r.auditLog.Log(audit.EventMessageSent, sessionID, map[string]any{
		"chatId": chatID, "bytes": len(text),
	})
}

// runTurn executes one chat turn and persists only the turns it produced.
// On an LLM transport failure the session history is left untouched.
func (r *Router) runTurn(ctx context.Context, sessionID, userID, chatID, content string) (string, error) {
	r.sessions.GetOrCreate(sessionID, userID)
	stored := r.sessions.History(sessionID)
	history := append(stored, providers.UserText(content))

	text, updated, err := r.chat(ctx, sessionID, history, chatID, userID, nil)
	if err != nil {
		slog.Error("gateway.turn_failed", "sessionId", sessionID, "error", err)
		return llmDownMessage, err
	}

	r.sessions.Append(sessionID, userID, updated[len(stored):]...)
	return text, nil
}

func (r *Router) runTask(ctx context.Context, userID, goal, chatID, sessionID string) (string, error) {
	if r.tasks == nil {
		return "", errors.New("tasks are not enabled")
	}
	res, err := r.tasks.Execute(ctx, userID, goal, chatID, sessionID)
	if err != nil {
		if errors.Is(err, taskloop.ErrTaskActive) {
			return "You already have a task running. Stop it first with task-stop.", nil
		}
		return llmDownMessage, err
	}
	if !res.Completed && res.Text == "" {
		return "The task stopped before producing a result.", nil
	}
	return res.Text, nil
}

func (r *Router) handleApprovalDecision(ctx context.Context, env *protocol.Envelope, reply ReplyFunc) {
	var dec protocol.ApprovalDecision
	if err := env.Decode(&dec); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	err := r.gate.Resolve(ctx, dec.ApprovalID, dec.Decision)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyResolved):
		// First resolution won; later decisions from any bridge are no-ops.
		slog.Debug("gateway.approval_already_resolved", "approvalId", dec.ApprovalID)
	default:
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
	}
}

func (r *Router) handleMemoryList(ctx context.Context, env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.MemoryListRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	var (
		rows []store.Memory
		err  error
	)
	if req.Category != "" {
		rows, err = r.memory.GetByCategory(ctx, req.UserID, req.Category)
	} else {
		rows, err = r.memory.List(ctx, req.UserID)
	}
	if err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{RequestID: req.RequestID, Message: err.Error()})
		return
	}

	out := protocol.MemoryListResponse{RequestID: req.RequestID, Memories: []protocol.MemoryEntry{}}
	for _, m := range rows {
		out.Memories = append(out.Memories, protocol.MemoryEntry{
			ID:          m.ID,
			Category:    m.Category,
			Topic:       m.Topic,
			Content:     m.Content,
			AccessCount: m.AccessCount,
			CreatedAt:   m.CreatedAt.UnixMilli(),
		})
	}
	_ = reply(protocol.TypeMemoryListResponse, out)
}

func (r *Router) handleMemoryDelete(ctx context.Context, env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.MemoryDeleteRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	resp := protocol.MemoryDeleteResponse{RequestID: req.RequestID}
	switch err := r.memory.DeleteByID(ctx, req.UserID, req.MemoryID); {
	case err == nil:
		resp.Deleted = true
	case errors.Is(err, store.ErrNotFound):
		resp.Error = "memory not found"
	default:
		resp.Error = err.Error()
	}
	_ = reply(protocol.TypeMemoryDeleteResponse, resp)
}

func (r *Router) handleSessionList(env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.SessionListRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	out := protocol.SessionListResponse{RequestID: req.RequestID, Sessions: []protocol.SessionSummary{}}
	for _, info := range r.sessions.List("") {
		out.Sessions = append(out.Sessions, protocol.SessionSummary{
			ID:        info.ID,
			UserID:    info.UserID,
			Turns:     info.TurnCount,
			CreatedAt: info.CreatedAt.UnixMilli(),
			UpdatedAt: info.UpdatedAt.UnixMilli(),
		})
	}
	_ = reply(protocol.TypeSessionListResponse, out)
}

func (r *Router) handleTaskStop(env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.TaskStopRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	cancelled := false
	if r.tasks != nil {
		cancelled = r.tasks.Stop(req.UserID)
	}
	_ = reply(protocol.TypeTaskStopResponse, protocol.TaskStopResponse{
		RequestID: req.RequestID,
		Cancelled: cancelled,
	})
}

func (r *Router) handleHeartbeatList(env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.HeartbeatListRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}
	if r.heartbeats == nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{RequestID: req.RequestID, Message: "heartbeats are not enabled"})
		return
	}

	out := protocol.HeartbeatListResponse{RequestID: req.RequestID, Heartbeats: []protocol.HeartbeatInfo{}}
	for _, st := range r.heartbeats.List() {
		info := protocol.HeartbeatInfo{
			Name:     st.Name,
			Schedule: st.Schedule,
			Enabled:  st.Enabled,
			Channel:  st.Channel,
		}
		if !st.LastRun.IsZero() {
			info.LastRun = st.LastRun.UnixMilli()
		}
		out.Heartbeats = append(out.Heartbeats, info)
	}
	_ = reply(protocol.TypeHeartbeatListResponse, out)
}

func (r *Router) handleHeartbeatToggle(env *protocol.Envelope, reply ReplyFunc) {
	var req protocol.HeartbeatToggleRequest
	if err := env.Decode(&req); err != nil {
		_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
		return
	}

	resp := protocol.HeartbeatToggleResponse{
		RequestID: req.RequestID,
		Name:      req.Name,
		Enabled:   req.Enabled,
	}
	if r.heartbeats == nil {
		resp.Error = "heartbeats are not enabled"
	} else if err := r.heartbeats.Toggle(req.Name, req.Enabled); err != nil {
		resp.Error = err.Error()
	}
	_ = reply(protocol.TypeHeartbeatToggleResponse, resp)
}

func (r *Router) lockSession(sessionID string) func() {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, sessionID)
		}
		r.mu.Unlock()
	}
}
