// Package audit provides the append-only JSONL activity log. One file per UTC
// date, one JSON object per line. Events for a session are totally ordered:
// the logger serialises writes and enforces a monotonic timestamp.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types recorded by the gateway core.
const (
	EventMessageReceived   = "message_received"
	EventLLMRequest        = "llm_request"
	EventLLMResponse       = "llm_response"
	EventMessageSent       = "message_sent"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventActionClassified  = "action_classified"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventError             = "error"
	EventSoulLoaded        = "soul_loaded"
	EventSoulTampered      = "soul_tampered"
	EventSoulUpdated       = "soul_updated"
	EventSkillLoaded       = "skill_loaded"
	EventSkillTampered     = "skill_tampered"
	EventMCPProxy          = "mcp_proxy"
)

// Entry is one audit line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger appends entries to dated JSONL files under a directory.
type Logger struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	fileDate string // "2006-01-02" of the open file
	lastTS   time.Time
}

// NewLogger opens (or creates) the audit directory. Fatal-class errors are
// returned; the caller decides whether to abort startup.
func NewLogger(dir string) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: directory not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Logger{dir: dir}, nil
}

// Log appends one event. Failures are logged, never propagated: a broken audit
// disk must not take down a user turn mid-flight.
func (l *Logger) Log(eventType, sessionID string, data map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(l.lastTS) {
		now = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = now

	entry := Entry{Timestamp: now, Type: eventType, SessionID: sessionID, Data: data}
	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("audit.marshal_failed", "type", eventType, "error", err)
		return
	}

	f, err := l.fileFor(now)
	if err != nil {
		slog.Error("audit.open_failed", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("audit.write_failed", "error", err)
	}
}

// fileFor returns the open handle for the given day, rotating on date change.
// Caller holds l.mu.
func (l *Logger) fileFor(ts time.Time) (*os.File, error) {
	date := ts.Format("2006-01-02")
	if l.file != nil && l.fileDate == date {
		return l.file, nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDate = date
	return f, nil
}

// Close flushes and closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
