// Package protocol defines the framed JSON messages exchanged between chat
// bridges and the gateway over the local stream socket. Each frame is a single
// JSON object terminated by a newline; the "type" field selects the payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type constants, bridge → gateway.
const (
	TypeSocketRequest    = "socket-request"
	TypeApprovalDecision = "approval-decision"
	TypeMemoryList       = "memory-list"
	TypeMemoryDelete     = "memory-delete"
	TypeSessionList      = "session-list"
	TypeTaskStop         = "task-stop"
	TypeHeartbeatList    = "heartbeat-list"
	TypeHeartbeatToggle  = "heartbeat-toggle"
)

// Frame type constants, gateway → bridge.
const (
	TypeSocketResponse          = "socket-response"
	TypeApprovalRequest         = "approval-request"
	TypeApprovalExpired         = "approval-expired"
	TypeNotification            = "notification"
	TypeTaskProgress            = "task-progress"
	TypeMemoryListResponse      = "memory-list-response"
	TypeMemoryDeleteResponse    = "memory-delete-response"
	TypeSessionListResponse     = "session-list-response"
	TypeTaskStopResponse        = "task-stop-response"
	TypeHeartbeatListResponse   = "heartbeat-list-response"
	TypeHeartbeatToggleResponse = "heartbeat-toggle-response"
	TypeError                   = "error"
)

// Envelope is the outer frame shape: a type discriminator plus the raw payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("frame %q: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("frame %q: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope wraps a payload struct into a typed envelope.
func NewEnvelope(frameType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame %q: %w", frameType, err)
	}
	return &Envelope{Type: frameType, Payload: raw}, nil
}

// IncomingMessage is the user message carried by a SocketRequest.
type IncomingMessage struct {
	ID        string            `json:"id"`
	SourceID  string            `json:"sourceId,omitempty"`
	Source    string            `json:"source"` // "telegram", "slack", "web"
	UserID    string            `json:"userId"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp,omitempty"` // unix ms
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ReplyTarget tells the gateway where the response should be delivered.
type ReplyTarget struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
}

// SocketRequest asks the gateway to process one user message.
type SocketRequest struct {
	RequestID string          `json:"requestId"`
	Message   IncomingMessage `json:"message"`
	ReplyTo   ReplyTarget     `json:"replyTo"`
}

// OutgoingMessage is the assistant reply inside a SocketResponse.
type OutgoingMessage struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// SocketResponse answers a SocketRequest.
type SocketResponse struct {
	RequestID string          `json:"requestId"`
	Outgoing  OutgoingMessage `json:"outgoing"`
	Error     string          `json:"error,omitempty"`
}

// Approval decision values a bridge may send.
const (
	DecisionApproved        = "approved"
	DecisionRejected        = "rejected"
	DecisionSessionApproved = "session-approved"
)

// ApprovalDecision resolves a pending approval.
type ApprovalDecision struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"`
}

// ApprovalRequest asks the human to approve a tool call.
type ApprovalRequest struct {
	ApprovalID  string            `json:"approvalId"`
	ToolName    string            `json:"toolName"`
	ToolInput   json.RawMessage   `json:"toolInput"`
	Reason      string            `json:"reason,omitempty"`
	PlanContext string            `json:"planContext,omitempty"`
	ChatID      string            `json:"chatId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ApprovalExpired notifies that a pending approval timed out.
type ApprovalExpired struct {
	ApprovalID string `json:"approvalId"`
	ChatID     string `json:"chatId"`
}

// Notification is a fire-and-forget informational message.
type Notification struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// TaskProgress reports multi-step task status to the user.
type TaskProgress struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// MemoryListRequest asks for stored memories of a user.
type MemoryListRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Category  string `json:"category,omitempty"`
}

// MemoryEntry is one memory row in a MemoryListResponse.
type MemoryEntry struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Topic       string `json:"topic"`
	Content     string `json:"content"`
	AccessCount int    `json:"accessCount"`
	CreatedAt   int64  `json:"createdAt"` // unix ms
}

// MemoryListResponse mirrors MemoryListRequest.
type MemoryListResponse struct {
	RequestID string        `json:"requestId"`
	Memories  []MemoryEntry `json:"memories"`
}

// MemoryDeleteRequest removes one memory by id.
type MemoryDeleteRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	MemoryID  string `json:"memoryId"`
}

// MemoryDeleteResponse mirrors MemoryDeleteRequest.
type MemoryDeleteResponse struct {
	RequestID string `json:"requestId"`
	Deleted   bool   `json:"deleted"`
	Error     string `json:"error,omitempty"`
}

// SessionListRequest asks for the live session table.
type SessionListRequest struct {
	RequestID string `json:"requestId"`
}

// SessionSummary is one live session in a SessionListResponse.
type SessionSummary struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Turns     int    `json:"turns"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	UpdatedAt int64  `json:"updatedAt"`
}

// SessionListResponse mirrors SessionListRequest.
type SessionListResponse struct {
	RequestID string           `json:"requestId"`
	Sessions  []SessionSummary `json:"sessions"`
}

// TaskStopRequest cancels the user's active task session.
type TaskStopRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

// TaskStopResponse mirrors TaskStopRequest.
type TaskStopResponse struct {
	RequestID string `json:"requestId"`
	Cancelled bool   `json:"cancelled"`
}

// HeartbeatListRequest asks for configured heartbeats and their state.
type HeartbeatListRequest struct {
	RequestID string `json:"requestId"`
}

// HeartbeatInfo is one heartbeat in a HeartbeatListResponse.
type HeartbeatInfo struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
	Channel  string `json:"channel,omitempty"`
	LastRun  int64  `json:"lastRun,omitempty"` // unix ms, 0 = never
}

// HeartbeatListResponse mirrors HeartbeatListRequest.
type HeartbeatListResponse struct {
	RequestID  string          `json:"requestId"`
	Heartbeats []HeartbeatInfo `json:"heartbeats"`
}

// HeartbeatToggleRequest enables or disables one heartbeat.
type HeartbeatToggleRequest struct {
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
}

// HeartbeatToggleResponse mirrors HeartbeatToggleRequest.
type HeartbeatToggleResponse struct {
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Error     string `json:"error,omitempty"`
}

// ErrorFrame reports a protocol-level failure for a request.
type ErrorFrame struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// Critical reports whether frames of the given type must never be dropped by
// the transport's backpressure policy. Non-critical frames (notifications,
// task progress) may be shed; critical ones force a disconnect instead.
func Critical(frameType string) bool {
	switch frameType {
	case TypeNotification, TypeTaskProgress:
		return false
	}
	return true
}
