package gateway

import (
	"sync"
	"testing"

	"github.com/castellan-ai/castellan/pkg/protocol"
)

// blockedConn never drains: writeFrame blocks until released, so enqueued
// frames pile up in the queue.
func blockedConn(t *testing.T) (*bridgeConn, func()) {
	t.Helper()
	release := make(chan struct{})
	var once sync.Once
	c := newBridgeConn("c1",
		func([]byte) error { <-release; return nil },
		func() {},
	)
	return c, func() { once.Do(func() { close(release) }) }
}

func mustEnv(t *testing.T, frameType string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestOverflowShedsOldestNonCritical(t *testing.T) {
	c, release := blockedConn(t)
	defer release()

	// First frame is popped immediately and parks the writer; everything
	// after it stays queued.
	c.enqueue(mustEnv(t, protocol.TypeSocketResponse, protocol.SocketResponse{RequestID: "plug"}))
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue) == 0
	})

	// One non-critical frame buried under critical ones.
	c.enqueue(mustEnv(t, protocol.TypeNotification, protocol.Notification{Text: "old"}))
	for i := 0; i < sendQueueLimit; i++ {
		if !c.enqueue(mustEnv(t, protocol.TypeSocketResponse, protocol.SocketResponse{RequestID: "r"})) {
			t.Fatalf("critical enqueue %d refused with shedding available", i)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.queue {
		if env.Type == protocol.TypeNotification {
			t.Error("notification survived overflow")
		}
	}
}

func TestOverflowDropsNewNonCritical(t *testing.T) {
	c, release := blockedConn(t)
	defer release()

	c.enqueue(mustEnv(t, protocol.TypeSocketResponse, protocol.SocketResponse{RequestID: "plug"}))
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue) == 0
	})
	for i := 0; i < sendQueueLimit; i++ {
		c.enqueue(mustEnv(t, protocol.TypeSocketResponse, protocol.SocketResponse{RequestID: "r"}))
	}
	if !c.enqueue(mustEnv(t, protocol.TypeTaskProgress, protocol.TaskProgress{Text: "step"})) {
		t.Error("non-critical overflow should drop silently, not force disconnect")
	}
}

func TestOverflowOfCriticalFramesForcesDisconnect(t *testing.T) {
	c, release := blockedConn(t)
	defer release()

	c.enqueue(mustEnv(t, protocol.TypeApprovalRequest, protocol.ApprovalRequest{ApprovalID: "plug"}))
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue) == 0
	})
	for i := 0; i < sendQueueLimit; i++ {
		c.enqueue(mustEnv(t, protocol.TypeApprovalRequest, protocol.ApprovalRequest{ApprovalID: "a"}))
	}
	if c.enqueue(mustEnv(t, protocol.TypeApprovalRequest, protocol.ApprovalRequest{ApprovalID: "b"})) {
		t.Error("critical frame accepted past a full critical queue")
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	c := newBridgeConn("c1", func([]byte) error { return nil }, func() {})
	c.close()
	if !c.enqueue(mustEnv(t, protocol.TypeNotification, protocol.Notification{Text: "x"})) {
		t.Error("enqueue after close should not demand disconnect")
	}
}

func TestCriticalClassification(t *testing.T) {
	if protocol.Critical(protocol.TypeNotification) || protocol.Critical(protocol.TypeTaskProgress) {
		t.Error("notifications and progress must be sheddable")
	}
	for _, ft := range []string{
		protocol.TypeSocketResponse,
		protocol.TypeApprovalRequest,
		protocol.TypeApprovalExpired,
		protocol.TypeMemoryListResponse,
	} {
		if !protocol.Critical(ft) {
			t.Errorf("%s must be critical", ft)
		}
	}
}
