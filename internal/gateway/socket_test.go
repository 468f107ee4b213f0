package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/classify"
	"github.com/castellan-ai/castellan/internal/heartbeat"
	"github.com/castellan-ai/castellan/internal/hitl"
	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/sessions"
	"github.com/castellan-ai/castellan/internal/store"
	"github.com/castellan-ai/castellan/internal/store/sqlite"
	"github.com/castellan-ai/castellan/internal/taskloop"
	"github.com/castellan-ai/castellan/pkg/protocol"
)

type harness struct {
	router   *Router
	server   *SocketServer
	sessions *sessions.Manager
	stores   *store.Stores
	path     string
}

func echoChat(_ context.Context, _ string, history []providers.Turn, _, _ string, _ *prompt.TaskState) (string, []providers.Turn, error) {
	last := history[len(history)-1].Text()
	reply := "echo: " + last
	updated := append(history, providers.AssistantTurn([]providers.ContentBlock{providers.Text(reply)}))
	return reply, updated, nil
}

func newHarness(t *testing.T, chat ChatFunc) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := sqlite.Open(filepath.Join(dir, "gw.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit"))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	sess := sessions.NewManager()
	gate := hitl.NewGate(classify.New(classify.Config{}), st.Approvals, auditLog,
		func(string, any) error { return nil })

	hb, err := heartbeat.NewScheduler([]heartbeat.Config{
		{Name: "standup", Schedule: "* * * * *", Prompt: "p", Enabled: false},
	}, func(context.Context, string, string, string) {})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	router := NewRouter(RouterConfig{
		Chat:       chat,
		Gate:       gate,
		Sessions:   sess,
		Memory:     st.Memory,
		Tasks:      taskloop.NewRunner(taskloop.ChatFunc(chat), nil),
		Heartbeats: hb,
		Audit:      auditLog,
	})

	path := filepath.Join(dir, "gw.sock")
	server := NewSocketServer(path, router.Handle)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Stop)

	return &harness{router: router, server: server, sessions: sess, stores: st, path: path}
}

type testConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialSocket(t *testing.T, path string) *testConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{conn: conn, br: bufio.NewReader(conn)}
}

func (c *testConn) send(t *testing.T, frameType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	data, _ := json.Marshal(env)
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return &env
}

func socketRequest(id, userID, content string) protocol.SocketRequest {
	return protocol.SocketRequest{
		RequestID: id,
		Message: protocol.IncomingMessage{
			ID:      id + "-msg",
			Source:  "telegram",
			UserID:  userID,
			Content: content,
		},
		ReplyTo: protocol.ReplyTarget{ChatID: "chat-1", MessageID: "m1"},
	}
}

func TestSocketRequestRoundTrip(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeSocketRequest, socketRequest("r1", "u1", "hello"))
	env := c.recv(t)
	if env.Type != protocol.TypeSocketResponse {
		t.Fatalf("type = %q", env.Type)
	}
	var resp protocol.SocketResponse
	if err := env.Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "r1" || resp.Outgoing.Content != "echo: hello" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Outgoing.ChatID != "chat-1" || resp.Outgoing.ReplyToID != "m1" {
		t.Errorf("outgoing = %+v", resp.Outgoing)
	}

	// The turn is persisted: user turn plus assistant reply.
	history := h.sessions.History("telegram:u1")
	if len(history) != 2 {
		t.Errorf("history = %d turns, want 2", len(history))
	}
}

func TestChatErrorLeavesHistoryUntouched(t *testing.T) {
	failing := func(_ context.Context, _ string, history []providers.Turn, _, _ string, _ *prompt.TaskState) (string, []providers.Turn, error) {
		return "", history, errors.New("provider down")
	}
	h := newHarness(t, failing)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeSocketRequest, socketRequest("r1", "u1", "hello"))
	var resp protocol.SocketResponse
	if err := c.recv(t).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error on response")
	}
	if resp.Outgoing.Content != llmDownMessage {
		t.Errorf("content = %q", resp.Outgoing.Content)
	}
	if got := h.sessions.History("telegram:u1"); len(got) != 0 {
		t.Errorf("failed turn persisted %d turns", len(got))
	}
}

func TestStaleSocketFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	server := NewSocketServer(path, func(context.Context, string, *protocol.Envelope, ReplyFunc) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	server.Stop()
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := newHarness(t, echoChat)
	c1 := dialSocket(t, h.path)
	c2 := dialSocket(t, h.path)

	waitFor(t, func() bool { return h.server.ClientCount() == 2 })
	if err := h.server.Broadcast(protocol.TypeNotification, protocol.Notification{ChatID: "chat-1", Text: "heads up"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for _, c := range []*testConn{c1, c2} {
		env := c.recv(t)
		if env.Type != protocol.TypeNotification {
			t.Errorf("type = %q", env.Type)
		}
	}
}

func TestSameSessionTurnsSerialised(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	slowChat := func(ctx context.Context, sessionID string, history []providers.Turn, chatID, userID string, task *prompt.TaskState) (string, []providers.Turn, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return echoChat(ctx, sessionID, history, chatID, userID, task)
	}
	h := newHarness(t, slowChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeSocketRequest, socketRequest("r1", "u1", "one"))
	c.send(t, protocol.TypeSocketRequest, socketRequest("r2", "u1", "two"))
	c.recv(t)
	c.recv(t)

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent turns for one session = %d", maxInFlight.Load())
	}
}

func TestMemoryListAndDelete(t *testing.T) {
	h := newHarness(t, echoChat)
	ctx := context.Background()
	saved, err := h.stores.Memory.Save(ctx, "u1", "preference", "editor", "uses vim")
	if err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	c := dialSocket(t, h.path)
	c.send(t, protocol.TypeMemoryList, protocol.MemoryListRequest{RequestID: "r1", UserID: "u1"})
	var list protocol.MemoryListResponse
	if err := c.recv(t).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Memories) != 1 || list.Memories[0].Topic != "editor" {
		t.Fatalf("memories = %+v", list.Memories)
	}

	c.send(t, protocol.TypeMemoryDelete, protocol.MemoryDeleteRequest{RequestID: "r2", UserID: "u1", MemoryID: saved.ID})
	var del protocol.MemoryDeleteResponse
	if err := c.recv(t).Decode(&del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !del.Deleted {
		t.Errorf("delete = %+v", del)
	}

	c.send(t, protocol.TypeMemoryDelete, protocol.MemoryDeleteRequest{RequestID: "r3", UserID: "u1", MemoryID: saved.ID})
	if err := c.recv(t).Decode(&del); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if del.Deleted || del.Error == "" {
		t.Errorf("second delete = %+v", del)
	}
}

func TestSessionList(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeSocketRequest, socketRequest("r1", "u1", "hello"))
	c.recv(t)

	c.send(t, protocol.TypeSessionList, protocol.SessionListRequest{RequestID: "r2"})
	var list protocol.SessionListResponse
	if err := c.recv(t).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "telegram:u1" || list.Sessions[0].Turns != 2 {
		t.Errorf("sessions = %+v", list.Sessions)
	}
}

func TestTaskStopWithoutActiveTask(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeTaskStop, protocol.TaskStopRequest{RequestID: "r1", UserID: "u1"})
	var resp protocol.TaskStopResponse
	if err := c.recv(t).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cancelled {
		t.Error("cancelled with no active task")
	}
}

func TestTaskRequestRunsTaskLoop(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	req := socketRequest("r1", "u1", "tidy the repo")
	req.Message.Metadata = map[string]string{"task": "true"}
	c.send(t, protocol.TypeSocketRequest, req)

	var resp protocol.SocketResponse
	if err := c.recv(t).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "" || resp.Outgoing.Content == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHeartbeatListAndToggle(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeHeartbeatToggle, protocol.HeartbeatToggleRequest{RequestID: "r1", Name: "standup", Enabled: true})
	var toggled protocol.HeartbeatToggleResponse
	if err := c.recv(t).Decode(&toggled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if toggled.Error != "" || !toggled.Enabled {
		t.Errorf("toggle = %+v", toggled)
	}

	c.send(t, protocol.TypeHeartbeatList, protocol.HeartbeatListRequest{RequestID: "r2"})
	var list protocol.HeartbeatListResponse
	if err := c.recv(t).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Heartbeats) != 1 || !list.Heartbeats[0].Enabled {
		t.Errorf("heartbeats = %+v", list.Heartbeats)
	}
}

func TestApprovalDecisionForUnknownApproval(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, protocol.TypeApprovalDecision, protocol.ApprovalDecision{ApprovalID: "nope", Decision: "approved"})
	env := c.recv(t)
	if env.Type != protocol.TypeError {
		t.Errorf("type = %q, want error frame", env.Type)
	}
}

func TestUnknownFrameType(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	c.send(t, "bogus-frame", map[string]string{"x": "y"})
	env := c.recv(t)
	if env.Type != protocol.TypeError {
		t.Errorf("type = %q", env.Type)
	}
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t, echoChat)
	c := dialSocket(t, h.path)

	if _, err := c.conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := c.recv(t)
	if env.Type != protocol.TypeError {
		t.Errorf("type = %q", env.Type)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
