package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/capability"
	"github.com/castellan-ai/castellan/internal/classify"
	"github.com/castellan-ai/castellan/internal/config"
	"github.com/castellan-ai/castellan/internal/dispatch"
	"github.com/castellan-ai/castellan/internal/gateway"
	"github.com/castellan-ai/castellan/internal/heartbeat"
	"github.com/castellan-ai/castellan/internal/hitl"
	"github.com/castellan-ai/castellan/internal/mcp"
	"github.com/castellan-ai/castellan/internal/orchestrator"
	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/sandbox"
	"github.com/castellan-ai/castellan/internal/sessions"
	"github.com/castellan-ai/castellan/internal/store"
	"github.com/castellan-ai/castellan/internal/store/pg"
	"github.com/castellan-ai/castellan/internal/store/sqlite"
	"github.com/castellan-ai/castellan/internal/taskloop"
	"github.com/castellan-ai/castellan/internal/tools"
	"github.com/castellan-ai/castellan/internal/tracing"
	"github.com/castellan-ai/castellan/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	signer, err := capability.NewSigner([]byte(os.Getenv(capability.EnvSecret)))
	if err != nil {
		slog.Error("capability signer unavailable", "env", capability.EnvSecret, "error", err)
		os.Exit(1)
	}

	auditLog, err := audit.NewLogger(cfg.AuditDir)
	if err != nil {
		slog.Error("audit log unavailable", "dir", cfg.AuditDir, "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", "mode", cfg.Database.Mode, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runtime := sandbox.NewDockerRuntime()
	if err := runtime.Available(ctx); err != nil {
		slog.Error("container runtime unavailable", "error", err)
		os.Exit(1)
	}

	proxy := mcp.NewProxy(auditLog)
	if err := proxy.Start(ctx); err != nil {
		slog.Error("domain proxy start failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway.proxy_listening", "addr", proxy.Addr())

	dispatcher := dispatch.New(signer, runtime, cfg.ExecutorSpecs())
	dispatcher.SetRegistrar(proxy)

	// Frames fan out to every connected bridge surface; the servers attach
	// below once they are listening.
	broadcast := &broadcaster{}

	gate := hitl.NewGate(classify.New(cfg.ClassifierConfig()), st.Approvals, auditLog, broadcast.Send,
		hitl.WithTimeout(time.Duration(cfg.Approvals.TimeoutSec)*time.Second))
	go gate.Run(ctx)

	soul := prompt.NewSoul(cfg.SoulFile, auditLog, st.SoulVersions)
	if err := soul.Load(); err != nil {
		slog.Warn("soul load failed, using fallback identity", "path", cfg.SoulFile, "error", err)
	}
	skills := prompt.NewSkills(cfg.Skills.Directory, auditLog)
	skills.SetInlineBudget(cfg.Skills.CharBudget)
	if err := skills.Load(cfg.Skills.Overrides); err != nil {
		slog.Warn("skills load failed", "dir", cfg.Skills.Directory, "error", err)
	}
	builder := prompt.NewBuilder(soul, skills, st.Memory)
	go func() {
		if err := prompt.Watch(ctx, soul, skills, cfg.SoulFile, cfg.Skills.Directory); err != nil {
			slog.Warn("prompt watcher unavailable", "error", err)
		}
	}()

	provider, err := providers.New(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.BaseURL)
	if err != nil {
		slog.Error("llm provider unavailable", "provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}

	mcpMgr := mcp.NewManager(mcp.WithRegistrar(proxy))
	if len(cfg.MCPServers) > 0 {
		if err := mcpMgr.Start(ctx, cfg.MCPServers); err != nil {
			slog.Warn("mcp startup incomplete", "error", err)
		}
	}
	defer mcpMgr.Shutdown()

	orch := orchestrator.New(orchestrator.Config{
		Provider:   provider,
		Builder:    builder,
		Gate:       gate,
		Dispatcher: dispatcher,
		Memory:     &tools.MemoryTools{Store: st.Memory},
		MCP:        mcpMgr,
		Soul:       soul,
		Audit:      auditLog,
		MaxOutput:  cfg.Executors.File.DefaultMaxOutput,
		MaxTokens:  cfg.LLM.MaxTokens,
	})

	sessMgr := sessions.NewManager(
		sessions.WithTTL(time.Duration(cfg.Sessions.TTLMinutes)*time.Minute),
		sessions.WithMaxTurns(cfg.Sessions.MaxTurns),
		sessions.WithOnExpired(func(info sessions.Info) { gate.ClearSession(info.ID) }),
	)
	go sessMgr.Run(ctx)

	taskRunner := taskloop.NewRunner(taskloop.ChatFunc(orch.Chat), func(chatID, text string) {
		_ = broadcast.Send(protocol.TypeTaskProgress, protocol.TaskProgress{ChatID: chatID, Text: text})
	})

	// Heartbeats feed synthetic turns through the router; the router variable
	// is bound before the scheduler's first minute tick.
	var router *gateway.Router
	hbSched, err := heartbeat.NewScheduler(cfg.Heartbeats, func(ctx context.Context, name, hbPrompt, channel string) {
		fireHeartbeat(ctx, router, broadcast, name, hbPrompt, channel)
	})
	if err != nil {
		slog.Error("heartbeat scheduler init failed", "error", err)
		os.Exit(1)
	}

	router = gateway.NewRouter(gateway.RouterConfig{
		Chat:       orch.Chat,
		Gate:       gate,
		Sessions:   sessMgr,
		Memory:     st.Memory,
		Tasks:      taskRunner,
		Heartbeats: hbSched,
		Audit:      auditLog,
	})
	go hbSched.Run(ctx)

	if dir := filepath.Dir(cfg.Gateway.SocketPath); dir != "" {
		os.MkdirAll(dir, 0700)
	}
	sockServer := gateway.NewSocketServer(cfg.Gateway.SocketPath, router.Handle)
	if err := sockServer.Start(ctx); err != nil {
		slog.Error("socket bind failed", "path", cfg.Gateway.SocketPath, "error", err)
		os.Exit(1)
	}
	defer sockServer.Stop()
	broadcast.attach(sockServer.Broadcast)

	if cfg.Gateway.Web.Enabled {
		webServer := gateway.NewWebServer(cfg.Gateway.Web.Addr, router.Handle, cfg.Gateway.Web.AllowedOrigins)
		if err := webServer.Start(ctx); err != nil {
			slog.Error("web listener bind failed", "addr", cfg.Gateway.Web.Addr, "error", err)
			os.Exit(1)
		}
		broadcast.attach(webServer.Broadcast)
		slog.Info("gateway.web_listening", "addr", webServer.Addr())
	}

	slog.Info("gateway.started",
		"socket", cfg.Gateway.SocketPath,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"mcpServers", len(cfg.MCPServers),
		"heartbeats", len(cfg.Heartbeats),
	)

	<-ctx.Done()
	slog.Info("gateway.shutting_down")

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.Mode == "postgres" {
		return pg.Open(ctx, cfg.Database.PostgresDSN)
	}
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return sqlite.Open(cfg.Database.Path)
}

// fireHeartbeat runs one scheduled prompt as a normal turn and broadcasts the
// reply as a notification on the heartbeat's channel.
func fireHeartbeat(ctx context.Context, router *gateway.Router, broadcast *broadcaster, name, hbPrompt, channel string) {
	env, err := protocol.NewEnvelope(protocol.TypeSocketRequest, protocol.SocketRequest{
		RequestID: "heartbeat-" + name + "-" + uuid.NewString()[:8],
		Message: protocol.IncomingMessage{
			ID:      uuid.NewString(),
			Source:  "heartbeat",
			UserID:  "heartbeat",
			Content: hbPrompt,
		},
		ReplyTo: protocol.ReplyTarget{ChatID: channel},
	})
	if err != nil {
		slog.Error("heartbeat.envelope_failed", "name", name, "error", err)
		return
	}

	router.Handle(ctx, "heartbeat", env, func(frameType string, payload any) error {
		if frameType != protocol.TypeSocketResponse {
			return nil
		}
		resp, ok := payload.(protocol.SocketResponse)
		if !ok {
			return nil
		}
		if resp.Error != "" {
			slog.Warn("heartbeat.turn_failed", "name", name, "error", resp.Error)
			return nil
		}
		return broadcast.Send(protocol.TypeNotification, protocol.Notification{
			ChatID: resp.Outgoing.ChatID,
			Text:   resp.Outgoing.Content,
		})
	})
}

// broadcaster fans frames out to every attached bridge surface (unix socket,
// WebSocket). Approval requests go to all of them; the first decision wins.
type broadcaster struct {
	mu    sync.RWMutex
	sinks []func(frameType string, payload any) error
}

func (b *broadcaster) attach(fn func(frameType string, payload any) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

func (b *broadcaster) Send(frameType string, payload any) error {
	b.mu.RLock()
	sinks := make([]func(string, any) error, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	if len(sinks) == 0 {
		return fmt.Errorf("no bridge surfaces attached")
	}
	var firstErr error
	for _, fn := range sinks {
		if err := fn(frameType, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
