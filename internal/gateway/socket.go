package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/castellan-ai/castellan/pkg/protocol"
)

const (
	// maxFrameBytes caps one JSON-lines frame.
	maxFrameBytes = 1 << 20

	// Per-client inbound rate limit.
	inboundRate  = rate.Limit(10) // frames per second
	inboundBurst = 20
)

// Handler processes one inbound frame. reply sends a frame back on the same
// client connection.
type Handler func(ctx context.Context, clientID string, env *protocol.Envelope, reply ReplyFunc)

// ReplyFunc sends one typed frame to the originating client.
type ReplyFunc func(frameType string, payload any) error

// SocketServer serves bridges over a local unix socket, one newline-delimited
// JSON frame per line, many concurrent clients.
type SocketServer struct {
	path    string
	handler Handler

	ln net.Listener

	mu      sync.RWMutex
	clients map[string]*bridgeConn
}

func NewSocketServer(path string, handler Handler) *SocketServer {
	return &SocketServer{
		path:    path,
		handler: handler,
		clients: make(map[string]*bridgeConn),
	}
}

// Start removes any stale socket file, binds and begins accepting. The socket
// is owner-only: every bridge on this socket is trusted.
func (s *SocketServer) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gateway: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("gateway: chmod socket: %w", err)
	}
	s.ln = ln
	slog.Info("gateway.socket_listening", "path", s.path)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every client, then removes the socket file.
func (s *SocketServer) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	conns := make([]*bridgeConn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.clients = make(map[string]*bridgeConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	_ = os.Remove(s.path)
}

func (s *SocketServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("gateway.accept_error", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	bc := newBridgeConn(id,
		func(frame []byte) error {
			_, err := conn.Write(append(frame, '\n'))
			return err
		},
		func() { conn.Close() },
	)

	s.mu.Lock()
	s.clients[id] = bc
	s.mu.Unlock()
	slog.Info("gateway.client_connected", "clientId", id)

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		bc.close()
		slog.Info("gateway.client_disconnected", "clientId", id)
	}()

	reply := s.replyFunc(bc)
	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !limiter.Allow() {
			_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: "rate limited"})
			continue
		}
		env, err := decodeFrame(line)
		if err != nil {
			_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
			continue
		}
		// Each frame runs on its own task; per-session serialisation is the
		// router's job.
		go s.handler(ctx, id, env, reply)
	}
}

func (s *SocketServer) replyFunc(bc *bridgeConn) ReplyFunc {
	return func(frameType string, payload any) error {
		env, err := protocol.NewEnvelope(frameType, payload)
		if err != nil {
			return err
		}
		if !bc.enqueue(env) {
			bc.close()
			return fmt.Errorf("gateway: client %s queue overflow", bc.id)
		}
		return nil
	}
}

// Send delivers one frame to a specific client.
func (s *SocketServer) Send(clientID, frameType string, payload any) error {
	s.mu.RLock()
	bc, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: unknown client %s", clientID)
	}
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	if !bc.enqueue(env) {
		s.disconnect(clientID)
		return fmt.Errorf("gateway: client %s queue overflow", clientID)
	}
	return nil
}

// Broadcast delivers one frame to every connected client. Clients whose
// queues overflow on a critical frame are disconnected.
func (s *SocketServer) Broadcast(frameType string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	conns := make([]*bridgeConn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(env) {
			s.disconnect(c.id)
		}
	}
	return nil
}

// ClientCount reports connected clients.
func (s *SocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *SocketServer) disconnect(clientID string) {
	s.mu.Lock()
	bc, ok := s.clients[clientID]
	delete(s.clients, clientID)
	s.mu.Unlock()
	if ok {
		bc.close()
		slog.Warn("gateway.client_evicted", "clientId", clientID)
	}
}

func decodeFrame(line []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &env, nil
}
