// Package gateway is the bridge-facing transport: a JSON-lines unix socket
// for local chat bridges, a WebSocket listener for the web bridge, and the
// method router that maps frames onto the agent core.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/castellan-ai/castellan/pkg/protocol"
)

// sendQueueLimit bounds each client's outbound queue. Past it, the oldest
// non-critical frame is shed; if every queued frame is critical the client is
// disconnected rather than lose an approval or response.
const sendQueueLimit = 64

// bridgeConn is one connected bridge, transport-agnostic. writeFrame delivers
// a single marshalled frame; closeConn tears the transport down.
type bridgeConn struct {
	id         string
	writeFrame func([]byte) error
	closeConn  func()

	mu     sync.Mutex
	queue  []*protocol.Envelope
	wake   chan struct{}
	closed bool
}

func newBridgeConn(id string, write func([]byte) error, close func()) *bridgeConn {
	c := &bridgeConn{
		id:         id,
		writeFrame: write,
		closeConn:  close,
		wake:       make(chan struct{}, 1),
	}
	go c.writeLoop()
	return c
}

// enqueue queues one frame for delivery. A false return means the queue was
// full of critical frames and the caller must disconnect the client.
func (c *bridgeConn) enqueue(env *protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}

	if len(c.queue) >= sendQueueLimit {
		if i := firstNonCritical(c.queue); i >= 0 {
			slog.Warn("gateway.frame_dropped", "clientId", c.id, "type", c.queue[i].Type)
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
		} else if !protocol.Critical(env.Type) {
			slog.Warn("gateway.frame_dropped", "clientId", c.id, "type", env.Type)
			return true
		} else {
			return false
		}
	}

	c.queue = append(c.queue, env)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *bridgeConn) writeLoop() {
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			env := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("gateway.frame_encode_failed", "type", env.Type, "error", err)
				continue
			}
			if err := c.writeFrame(data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *bridgeConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	close(c.wake)
	c.mu.Unlock()
	c.closeConn()
}

func firstNonCritical(queue []*protocol.Envelope) int {
	for i, env := range queue {
		if !protocol.Critical(env.Type) {
			return i
		}
	}
	return -1
}
