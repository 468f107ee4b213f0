// Package hitl is the human-in-the-loop gate between the agent loop and the
// dispatcher. Every sandbox-bound tool call passes through Check; the gate
// classifies it, asks the human when required, and blocks until resolution
// or expiry.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/classify"
	"github.com/castellan-ai/castellan/internal/store"
	"github.com/castellan-ai/castellan/pkg/protocol"
)

const (
	// DefaultTimeout is how long a pending approval waits before expiry.
	DefaultTimeout = 5 * time.Minute
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval = 60 * time.Second
)

// soulUpdateTool never benefits from session grants.
const soulUpdateTool = "propose_soul_update"

// ErrUnresolved is returned when a rendezvous ends without a decision.
var ErrUnresolved = errors.New("hitl: approval unresolved")

// Sender delivers frames to the connected bridges. Fire-and-forget frames
// (notifications) ignore the error.
type Sender func(frameType string, payload any) error

// Request is one tool call awaiting a gate decision.
type Request struct {
	SessionID   string
	UserID      string
	ToolName    string
	ToolInput   map[string]any
	Capability  string // serialized claims the action would run under
	ChatID      string
	Reason      string
	PlanContext string
}

// Decision is the gate's verdict.
type Decision struct {
	Proceed    bool
	Tier       classify.Tier
	ApprovalID string
	Status     string // terminal approval status when one was created
}

// Gate classifies tool calls and runs the approval rendezvous.
type Gate struct {
	classifier *classify.Classifier
	approvals  store.ApprovalStore
	audit      *audit.Logger
	send       Sender
	timeout    time.Duration

	mu      sync.Mutex
	waiters map[string]chan string   // approvalId → terminal status, single-shot
	chatIDs map[string]string        // approvalId → chatId for expiry frames
	grants  map[string]map[string]struct{} // sessionId → granted (tool, key) set
}

type Option func(*Gate)

// WithTimeout overrides the approval expiry window.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func NewGate(classifier *classify.Classifier, approvals store.ApprovalStore, auditLog *audit.Logger, send Sender, opts ...Option) *Gate {
	g := &Gate{
		classifier: classifier,
		approvals:  approvals,
		audit:      auditLog,
		send:       send,
		timeout:    DefaultTimeout,
		waiters:    make(map[string]chan string),
		chatIDs:    make(map[string]string),
		grants:     make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check runs the gate procedure for one tool call. It blocks on
// require-approval until the human decides or the approval expires.
func (g *Gate) Check(ctx context.Context, req Request) (*Decision, error) {
	tier := g.classifier.Classify(req.ToolName, req.ToolInput)

	// Session-grant downgrade, never for soul updates.
	if tier == classify.TierRequireApproval && req.ToolName != soulUpdateTool {
		if g.hasGrant(req.SessionID, req.ToolName, req.ToolInput) {
			tier = classify.TierNotify
		}
	}

	g.audit.Log(audit.EventActionClassified, req.SessionID, map[string]any{
		"tool": req.ToolName,
		"tier": string(tier),
	})

	switch tier {
	case classify.TierAutoApprove:
		return &Decision{Proceed: true, Tier: tier}, nil

	case classify.TierNotify:
		// Notification goes out before dispatch; delivery failures are
		// logged, not fatal.
		if err := g.send(protocol.TypeNotification, protocol.Notification{
			ChatID: req.ChatID,
			Text:   fmt.Sprintf("Running %s.", req.ToolName),
		}); err != nil {
			slog.Warn("hitl.notify_failed", "tool", req.ToolName, "error", err)
		}
		return &Decision{Proceed: true, Tier: tier}, nil
	}

	return g.requireApproval(ctx, req)
}

func (g *Gate) requireApproval(ctx context.Context, req Request) (*Decision, error) {
	inputJSON, err := json.Marshal(req.ToolInput)
	if err != nil {
		return nil, fmt.Errorf("hitl: encode tool input: %w", err)
	}

	approval, err := g.approvals.Create(ctx, store.ApprovalInput{
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		ToolInput:   string(inputJSON),
		Capability:  req.Capability,
		Reason:      req.Reason,
		PlanContext: req.PlanContext,
	})
	if err != nil {
		return nil, fmt.Errorf("hitl: create approval: %w", err)
	}

	ch := make(chan string, 1)
	g.mu.Lock()
	g.waiters[approval.ID] = ch
	g.chatIDs[approval.ID] = req.ChatID
	g.mu.Unlock()
	defer g.dropWaiter(approval.ID)

	g.audit.Log(audit.EventApprovalRequested, req.SessionID, map[string]any{
		"approvalId": approval.ID,
		"tool":       req.ToolName,
	})

	if err := g.send(protocol.TypeApprovalRequest, protocol.ApprovalRequest{
		ApprovalID:  approval.ID,
		ToolName:    req.ToolName,
		ToolInput:   inputJSON,
		Reason:      req.Reason,
		PlanContext: req.PlanContext,
		ChatID:      req.ChatID,
	}); err != nil {
		slog.Error("hitl.approval_request_send_failed", "approvalId", approval.ID, "error", err)
	}

	var status string
	select {
	case status = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.audit.Log(audit.EventApprovalResolved, req.SessionID, map[string]any{
		"approvalId": approval.ID,
		"status":     status,
	})

	decision := &Decision{Tier: classify.TierRequireApproval, ApprovalID: approval.ID, Status: status}
	switch status {
	case store.ApprovalApproved:
		decision.Proceed = true
	case store.ApprovalSessionApproved:
		if req.ToolName != soulUpdateTool {
			g.recordGrant(req.SessionID, req.ToolName, req.ToolInput)
		}
		decision.Proceed = true
	case store.ApprovalRejected, store.ApprovalExpired:
		decision.Proceed = false
	default:
		return nil, ErrUnresolved
	}
	return decision, nil
}

// Resolve applies a bridge decision to a pending approval. The store enforces
// terminality; the first resolver wins.
func (g *Gate) Resolve(ctx context.Context, approvalID, decision string) error {
	var status string
	switch decision {
	case protocol.DecisionApproved:
		status = store.ApprovalApproved
	case protocol.DecisionRejected:
		status = store.ApprovalRejected
	case protocol.DecisionSessionApproved:
		status = store.ApprovalSessionApproved
	default:
		return fmt.Errorf("hitl: unknown decision %q", decision)
	}

	if _, err := g.approvals.Resolve(ctx, approvalID, status); err != nil {
		return err
	}
	g.fire(approvalID, status)
	return nil
}

// Sweep expires stale pending approvals, fires their rendezvous and emits
// approval-expired frames.
func (g *Gate) Sweep(ctx context.Context) {
	ids, err := g.approvals.ExpireStalePending(ctx, g.timeout)
	if err != nil {
		slog.Error("hitl.sweep_failed", "error", err)
		return
	}
	for _, id := range ids {
		g.mu.Lock()
		chatID := g.chatIDs[id]
		g.mu.Unlock()

		g.fire(id, store.ApprovalExpired)
		if err := g.send(protocol.TypeApprovalExpired, protocol.ApprovalExpired{
			ApprovalID: id,
			ChatID:     chatID,
		}); err != nil {
			slog.Warn("hitl.expired_send_failed", "approvalId", id, "error", err)
		}
		slog.Info("hitl.approval_expired", "approvalId", id)
	}
}

// Run drives the expiry sweeper until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// ClearSession drops the session-grant set; wired to session expiry.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, sessionID)
}

func (g *Gate) fire(approvalID, status string) {
	g.mu.Lock()
	ch := g.waiters[approvalID]
	g.mu.Unlock()
	if ch != nil {
		select {
		case ch <- status:
		default: // already resolved
		}
	}
}

func (g *Gate) dropWaiter(approvalID string) {
	g.mu.Lock()
	delete(g.waiters, approvalID)
	delete(g.chatIDs, approvalID)
	g.mu.Unlock()
}

func (g *Gate) hasGrant(sessionID, tool string, input map[string]any) bool {
	key := grantKey(tool, input)
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.grants[sessionID][key]
	return ok
}

func (g *Gate) recordGrant(sessionID, tool string, input map[string]any) {
	key := grantKey(tool, input)
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.grants[sessionID]
	if !ok {
		set = make(map[string]struct{})
		g.grants[sessionID] = set
	}
	set[key] = struct{}{}
}

// grantKey builds the canonical (tool, input) identity a session grant covers.
// File tools key on the path alone so a grant survives content changes;
// everything else keys on the full input with sorted keys.
func grantKey(tool string, input map[string]any) string {
	switch tool {
	case "read_file", "write_file", "list_directory", "search_files":
		if p, ok := input["path"].(string); ok {
			return tool + "\x00" + p
		}
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(input[k])
		parts = append(parts, k+"="+string(v))
	}
	raw, _ := json.Marshal(parts)
	return tool + "\x00" + string(raw)
}
