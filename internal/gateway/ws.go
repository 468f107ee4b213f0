package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/castellan-ai/castellan/pkg/protocol"
)

// WebServer carries the same frame protocol over WebSocket for the web
// bridge. Text frames only; a binary frame closes the connection.
type WebServer struct {
	addr           string
	handler        Handler
	allowedOrigins []string
	upgrader       websocket.Upgrader

	httpServer *http.Server
	ln         net.Listener

	mu      sync.RWMutex
	clients map[string]*bridgeConn
}

func NewWebServer(addr string, handler Handler, allowedOrigins []string) *WebServer {
	s := &WebServer{
		addr:           addr,
		handler:        handler,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]*bridgeConn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin rejects browser origins outside the configured allow-list.
// Non-browser clients (no Origin header) pass.
func (s *WebServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.ws_origin_rejected", "origin", origin)
	return false
}

// Start binds the listener and serves /ws and /health until ctx ends.
func (s *WebServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", handleHealth)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: web listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.httpServer = &http.Server{Handler: mux}
	slog.Info("gateway.web_listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway.web_serve_failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, "" before Start.
func (s *WebServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	id := uuid.NewString()
	var writeMu sync.Mutex
	bc := newBridgeConn(id,
		func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, frame)
		},
		func() { conn.Close() },
	)

	s.mu.Lock()
	s.clients[id] = bc
	s.mu.Unlock()
	slog.Info("gateway.ws_client_connected", "clientId", id)

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		bc.close()
		slog.Info("gateway.ws_client_disconnected", "clientId", id)
	}()

	reply := func(frameType string, payload any) error {
		env, err := protocol.NewEnvelope(frameType, payload)
		if err != nil {
			return err
		}
		if !bc.enqueue(env) {
			bc.close()
			return fmt.Errorf("gateway: ws client %s queue overflow", id)
		}
		return nil
	}

	limiter := rate.NewLimiter(inboundRate, inboundBurst)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "text frames only"),
				time.Now().Add(time.Second))
			return
		}
		if !limiter.Allow() {
			_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: "rate limited"})
			continue
		}
		env, err := decodeFrame(data)
		if err != nil {
			_ = reply(protocol.TypeError, protocol.ErrorFrame{Message: err.Error()})
			continue
		}
		go s.handler(r.Context(), id, env, reply)
	}
}

// Broadcast delivers one frame to every web client.
func (s *WebServer) Broadcast(frameType string, payload any) error {
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
			c.close()
		}
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}
