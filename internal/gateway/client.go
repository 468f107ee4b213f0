package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/protocol"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// ErrNotConnected is returned by Send while the client is offline.
var ErrNotConnected = errors.New("gateway: client not connected")

// ClientEvents are the bridge client's callbacks. All are optional.
type ClientEvents struct {
	OnConnected    func()
	OnDisconnected func()
	OnMessage      func(env *protocol.Envelope)
}

// Client is the bridge side of the socket: it dials the gateway, reads
// frames, and reconnects with bounded backoff until Disconnect.
type Client struct {
	path   string
	events ClientEvents

	mu              sync.Mutex
	conn            net.Conn
	connected       bool
	shouldReconnect bool
}

func NewClient(path string, events ClientEvents) *Client {
	return &Client{path: path, events: events}
}

// Connect dials the gateway socket and starts the read loop. It returns once
// the first connection attempt resolves; reconnection is automatic after
// that.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.shouldReconnect = true
	c.mu.Unlock()

	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

// Disconnect closes the connection and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one frame. Frames are not queued while offline.
func (c *Client) Send(frameType string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.events.OnConnected != nil {
		c.events.OnConnected()
	}
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := decodeFrame(line)
		if err != nil {
			slog.Warn("gateway.client_bad_frame", "error", err)
			continue
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(env)
		}
	}

	conn.Close()
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	retry := c.shouldReconnect
	c.mu.Unlock()

	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
	if retry {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	backoff := reconnectBase
	for {
		c.mu.Lock()
		retry := c.shouldReconnect
		c.mu.Unlock()
		if !retry {
			return
		}

		time.Sleep(backoff)
		conn, err := net.Dial("unix", c.path)
		if err == nil {
			slog.Info("gateway.client_reconnected", "path", c.path)
			c.attach(conn)
			return
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
