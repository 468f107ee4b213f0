// Package mcp runs long-lived plug-in servers speaking the Model Context
// Protocol over stdio. Each server lives in its own hardened container;
// network access goes through the domain-filtering proxy, never directly.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/sandbox"
)

var tracer = otel.Tracer("castellan/mcp")

const (
	// ToolPrefix namespaces every exposed tool as mcp_{server}__{tool}.
	ToolPrefix = "mcp_"

	defaultCallTimeout = 60 * time.Second
	restartBackoff     = 2 * time.Second
)

// ErrServerGone is returned for calls routed to a server whose container has
// exited and could not be restarted.
var ErrServerGone = errors.New("mcp: server unavailable")

// ServerConfig describes one MCP plug-in server.
type ServerConfig struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	Mounts         []sandbox.Mount   `json:"mounts"`
	Memory         string            `json:"memory"`
	CPUs           string            `json:"cpus"`
	AllowedDomains []string          `json:"allowedDomains"`
	Network        string            `json:"network"` // bridge network reaching the proxy
	DefaultTier    string            `json:"defaultTier"`
	IncludeTools   []string          `json:"includeTools"`
	ExcludeTools   []string          `json:"excludeTools"`
	MaxTools       int               `json:"maxTools"`
	TimeoutSec     int               `json:"timeoutSec"`
}

// Registrar is where servers with allowedDomains announce themselves before
// their container starts. The domain proxy implements it.
type Registrar interface {
	Register(containerName string, allowedDomains []string)
	Unregister(containerName string)
}

// launcher builds a connected MCP client for a server config. Production
// launches a docker container; tests substitute an in-process server.
type launcher func(cfg ServerConfig) (*mcpclient.Client, error)

type serverState struct {
	cfg       ServerConfig
	container string

	mu        sync.Mutex
	client    *mcpclient.Client
	tools     []providers.ToolSchema // prefixed schemas, post-filter
	restarted bool
}

// Manager boots configured servers, namespaces their tools and routes
// prefixed calls back to the owning server.
type Manager struct {
	launch    launcher
	registrar Registrar // nil when no proxy is running

	mu      sync.RWMutex
	servers map[string]*serverState // by server name
}

type Option func(*Manager)

// WithRegistrar wires the domain proxy registration hook.
func WithRegistrar(r Registrar) Option {
	return func(m *Manager) { m.registrar = r }
}

// WithLauncher substitutes the container launcher (tests).
func WithLauncher(l launcher) Option {
	return func(m *Manager) { m.launch = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		launch:  dockerLaunch,
		servers: make(map[string]*serverState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects all configured servers concurrently. A server that fails to
// boot is skipped with a warning; the gateway runs without it.
func (m *Manager) Start(ctx context.Context, cfgs []ServerConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			if err := m.connect(ctx, cfg); err != nil {
				slog.Warn("mcp.server.connect_failed", "server", cfg.Name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" || cfg.Image == "" {
		return errors.New("mcp: server needs name and image")
	}

	ss := &serverState{
		cfg:       cfg,
		container: containerName(cfg.Name),
	}

	// Register the allow-list before the container can emit its first packet.
	if len(cfg.AllowedDomains) > 0 && m.registrar != nil {
		m.registrar.Register(ss.container, cfg.AllowedDomains)
	}

	client, tools, err := m.boot(ctx, ss)
	if err != nil {
		if m.registrar != nil {
			m.registrar.Unregister(ss.container)
		}
		return err
	}
	ss.client = client
	ss.tools = tools

	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", cfg.Name, "tools", len(tools))
	return nil
}

// boot launches the container, performs the MCP handshake and discovers the
// filtered, prefixed tool set.
func (m *Manager) boot(ctx context.Context, ss *serverState) (*mcpclient.Client, []providers.ToolSchema, error) {
	client, err := m.launch(launchConfig(ss))
	if err != nil {
		return nil, nil, fmt.Errorf("launch: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "castellan", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	tools := filterTools(ss.cfg, listed.Tools)
	return client, tools, nil
}

// launchConfig sets the container name the launcher must use so the proxy
// allow-list registered above matches.
func launchConfig(ss *serverState) ServerConfig {
	cfg := ss.cfg
	cfg.Name = ss.container
	return cfg
}

// filterTools applies includeTools/excludeTools/maxTools and prefixes names.
func filterTools(cfg ServerConfig, listed []mcpgo.Tool) []providers.ToolSchema {
	include := toSet(cfg.IncludeTools)
	exclude := toSet(cfg.ExcludeTools)

	var out []providers.ToolSchema
	for _, t := range listed {
		if _, denied := exclude[t.Name]; denied {
			continue
		}
		if len(include) > 0 {
			if _, ok := include[t.Name]; !ok {
				continue
			}
		}
		out = append(out, providers.ToolSchema{
			Name:        PrefixTool(cfg.Name, t.Name),
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if cfg.MaxTools > 0 && len(out) > cfg.MaxTools {
		out = out[:cfg.MaxTools]
	}
	return out
}

// Tools lists all prefixed tool schemas across connected servers.
func (m *Manager) Tools() []providers.ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []providers.ToolSchema
	for _, ss := range m.servers {
		ss.mu.Lock()
		out = append(out, ss.tools...)
		ss.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerFor resolves a prefixed tool name to (server, original tool name).
func ServerFor(prefixed string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(prefixed, ToolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// PrefixTool builds the namespaced tool name for a server's tool.
func PrefixTool(server, tool string) string {
	return ToolPrefix + server + "__" + tool
}

// DefaultTier reports the configured action tier for a prefixed tool's
// server, "" when unknown.
func (m *Manager) DefaultTier(prefixed string) string {
	server, _, ok := ServerFor(prefixed)
	if !ok {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ss, ok := m.servers[server]; ok {
		return ss.cfg.DefaultTier
	}
	return ""
}

// Call routes a prefixed tool call to its server and returns the normalised
// text content. An isError result surfaces as an error.
func (m *Manager) Call(ctx context.Context, prefixed string, args map[string]any) (string, error) {
	server, tool, ok := ServerFor(prefixed)
	if !ok {
		return "", fmt.Errorf("mcp: malformed tool name %q", prefixed)
	}

	m.mu.RLock()
	ss, found := m.servers[server]
	m.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("%w: %s", ErrServerGone, server)
	}

	ctx, span := tracer.Start(ctx, "mcp.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.server", server),
		attribute.String("mcp.tool", tool),
	)

	timeout := defaultCallTimeout
	if ss.cfg.TimeoutSec > 0 {
		timeout = time.Duration(ss.cfg.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := m.callOnce(ctx, ss, tool, args)
	var terr *toolError
	if err == nil || errors.As(err, &terr) || ctx.Err() != nil {
		return out, err
	}

	// A transport failure means the container may have died; one restart,
	// then the call retries once.
	if rerr := m.restart(ctx, ss); rerr != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrServerGone, server, err)
	}
	return m.callOnce(ctx, ss, tool, args)
}

func (m *Manager) callOnce(ctx context.Context, ss *serverState, tool string, args map[string]any) (string, error) {
	ss.mu.Lock()
	client := ss.client
	ss.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("%w: %s", ErrServerGone, ss.cfg.Name)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", &toolError{msg: text}
	}
	return text, nil
}

// toolError is a failure the server itself reported, as opposed to a
// transport failure. It never triggers a container restart.
type toolError struct{ msg string }

func (e *toolError) Error() string { return e.msg }

// restart relaunches the server container once per process lifetime. The old
// client is closed first so its pending calls fail fast.
func (m *Manager) restart(ctx context.Context, ss *serverState) error {
	ss.mu.Lock()
	if ss.restarted {
		ss.mu.Unlock()
		return ErrServerGone
	}
	ss.restarted = true
	if ss.client != nil {
		_ = ss.client.Close()
		ss.client = nil
	}
	ss.mu.Unlock()

	slog.Warn("mcp.server.restarting", "server", ss.cfg.Name)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(restartBackoff):
	}

	client, tools, err := m.boot(ctx, ss)
	if err != nil {
		slog.Error("mcp.server.restart_failed", "server", ss.cfg.Name, "error", err)
		return err
	}

	ss.mu.Lock()
	ss.client = client
	ss.tools = tools
	ss.mu.Unlock()
	slog.Info("mcp.server.restarted", "server", ss.cfg.Name)
	return nil
}

// Shutdown closes every server connection, terminating the containers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		ss.mu.Lock()
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp.server.close_error", "server", name, "error", err)
			}
			ss.client = nil
		}
		ss.mu.Unlock()
		if m.registrar != nil {
			m.registrar.Unregister(ss.container)
		}
	}
	m.servers = make(map[string]*serverState)
}

// resultText joins the text content blocks of a tool result.
func resultText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func containerName(server string) string {
	return "castellan-mcp-" + server
}

// dockerLaunch starts the server container with the same hardening the task
// dispatcher applies and attaches to its stdio.
func dockerLaunch(cfg ServerConfig) (*mcpclient.Client, error) {
	spec := sandbox.RunSpec{
		Name:    cfg.Name, // already the container name here
		Env:     cfg.Env,
		Mounts:  cfg.Mounts,
		Memory:  cfg.Memory,
		CPUs:    cfg.CPUs,
		Network: cfg.Network,
	}
	if len(cfg.AllowedDomains) == 0 {
		spec.Network = ""
	}

	args := append([]string{"run", "-i"}, sandbox.HardenedArgs(spec)...)
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	return mcpclient.NewStdioMCPClient("docker", nil, args...)
}
