// Package orchestrator drives the agentic chat loop: prompt assembly, LLM
// calls, tool routing through the approval gate, and history bookkeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/dispatch"
	"github.com/castellan-ai/castellan/internal/hitl"
	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/store"
	"github.com/castellan-ai/castellan/internal/tools"
)

var tracer = otel.Tracer("castellan/orchestrator")

// MaxIterations bounds the tool-use loop within one turn.
const MaxIterations = 10

const (
	maxIterationsMessage = "I hit my step limit for this request. Tell me to continue if you want me to keep going."
	rejectionMessage     = "This action was rejected by the user. Do not retry it; explain what you could not do instead."
	expiryMessage        = "The approval request expired before the user responded. Treat this as not approved."
)

// ErrLLMUnavailable marks a provider transport failure; the turn aborts.
var ErrLLMUnavailable = errors.New("orchestrator: llm unavailable")

// MCPCaller routes mcp_-prefixed tools to their servers.
type MCPCaller interface {
	// Tools lists the prefixed tool schemas currently exposed.
	Tools() []providers.ToolSchema
	// Call invokes a prefixed tool and returns the normalised text content.
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// SoulUpdater applies an approved identity revision.
type SoulUpdater interface {
	ApplyUpdate(ctx context.Context, content string) error
}

// Orchestrator is stateless across turns; conversation state is the caller's.
type Orchestrator struct {
	provider  providers.Provider
	builder   *prompt.Builder
	gate      *hitl.Gate
	disp      *dispatch.Dispatcher
	memTools  *tools.MemoryTools
	defs      map[string]tools.Definition
	mcp       MCPCaller   // nil = no MCP servers
	soul      SoulUpdater // nil = soul updates unavailable
	audit     *audit.Logger
	maxOutput int
	maxTokens int
}

type Config struct {
	Provider   providers.Provider
	Builder    *prompt.Builder
	Gate       *hitl.Gate
	Dispatcher *dispatch.Dispatcher
	Memory     *tools.MemoryTools
	MCP        MCPCaller
	Soul       SoulUpdater
	Audit      *audit.Logger
	MaxOutput  int // tool output byte cap fed back to the LLM
	MaxTokens  int // response token budget per LLM round-trip
}

func New(cfg Config) *Orchestrator {
	maxOut := cfg.MaxOutput
	if maxOut <= 0 {
		maxOut = 30_000
	}
	return &Orchestrator{
		provider:  cfg.Provider,
		builder:   cfg.Builder,
		gate:      cfg.Gate,
		disp:      cfg.Dispatcher,
		memTools:  cfg.Memory,
		defs:      tools.ByName(tools.Builtins()),
		mcp:       cfg.MCP,
		soul:      cfg.Soul,
		audit:     cfg.Audit,
		maxOutput: maxOut,
		maxTokens: cfg.MaxTokens,
	}
}

// Chat runs one turn. It returns the final assistant text and the updated
// history (caller-supplied history plus the turns this call produced). The
// task state is nil outside the task loop.
func (o *Orchestrator) Chat(ctx context.Context, sessionID string, history []providers.Turn, chatID, userID string, task *prompt.TaskState) (string, []providers.Turn, error) {
	working := make([]providers.Turn, len(history))
	copy(working, history)

	lastUser := lastUserText(working)
	schemas := tools.Schemas(tools.Builtins())
	if o.mcp != nil {
		schemas = append(schemas, o.mcp.Tools()...)
	}

	for iteration := 0; iteration < MaxIterations; iteration++ {
		system := o.builder.Build(ctx, userID, lastUser, task)

		resp, err := o.callLLM(ctx, sessionID, providers.ChatRequest{
			System:    system,
			Messages:  working,
			Tools:     schemas,
			MaxTokens: o.maxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", history, ctx.Err()
			}
			return "", history, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
		}

		if resp.StopReason != providers.StopToolUse {
			text := resp.Text()
			working = append(working, providers.AssistantTurn(resp.Blocks))
			return text, working, nil
		}

		// Safe suspension point: a cancellation that landed during the LLM
		// round-trip aborts here, before any tool is dispatched.
		if err := ctx.Err(); err != nil {
			return "", history, err
		}

		// Preserve the interleaved text + tool-call blocks as one turn.
		working = append(working, providers.AssistantTurn(resp.Blocks))

		results := make([]providers.ContentBlock, 0, len(resp.ToolCalls()))
		for _, call := range resp.ToolCalls() {
			content := o.runTool(ctx, toolContext{
				sessionID: sessionID,
				userID:    userID,
				chatID:    chatID,
				reason:    resp.Text(),
				plan:      lastUser,
			}, call)
			results = append(results, providers.ToolResult(call.ID, content))
		}
		working = append(working, providers.ToolResultsTurn(results))
	}

	working = append(working, providers.AssistantTurn([]providers.ContentBlock{
		providers.Text(maxIterationsMessage),
	}))
	slog.Warn("orchestrator.max_iterations", "sessionId", sessionID)
	return maxIterationsMessage, working, nil
}

func (o *Orchestrator) callLLM(ctx context.Context, sessionID string, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", o.provider.Name()))

	o.audit.Log(audit.EventLLMRequest, sessionID, map[string]any{
		"provider": o.provider.Name(),
		"turns":    len(req.Messages),
	})

	resp, err := o.provider.Chat(ctx, req)
	if err != nil {
		o.audit.Log(audit.EventError, sessionID, map[string]any{"stage": "llm", "error": err.Error()})
		return nil, err
	}

	o.audit.Log(audit.EventLLMResponse, sessionID, map[string]any{
		"stopReason": resp.StopReason,
		"toolCalls":  len(resp.ToolCalls()),
	})
	return resp, nil
}

type toolContext struct {
	sessionID string
	userID    string
	chatID    string
	reason    string
	plan      string
}

// runTool executes one tool call and returns the tool_result content. Tool
// failures never abort the turn.
func (o *Orchestrator) runTool(ctx context.Context, tc toolContext, call providers.ContentBlock) string {
	o.audit.Log(audit.EventToolCall, tc.sessionID, map[string]any{
		"tool": call.Name, "id": call.ID,
	})

	content := o.execTool(ctx, tc, call)

	o.audit.Log(audit.EventToolResult, tc.sessionID, map[string]any{
		"tool": call.Name, "id": call.ID, "bytes": len(content),
	})
	return content
}

func (o *Orchestrator) execTool(ctx context.Context, tc toolContext, call providers.ContentBlock) string {
	// Memory tools run in-process and bypass the gate.
	if tools.IsMemoryTool(call.Name) {
		out, err := o.memTools.Execute(ctx, tc.userID, call.Name, call.Input)
		if err != nil {
			return "error: " + err.Error()
		}
		return out
	}

	decision, err := o.gate.Check(ctx, hitl.Request{
		SessionID:   tc.sessionID,
		UserID:      tc.userID,
		ToolName:    call.Name,
		ToolInput:   call.Input,
		Capability:  o.capabilityFor(call.Name),
		ChatID:      tc.chatID,
		Reason:      tc.reason,
		PlanContext: tc.plan,
	})
	if err != nil {
		return "error: approval flow failed: " + err.Error()
	}
	if !decision.Proceed {
		if decision.Status == store.ApprovalExpired {
			return expiryMessage
		}
		return rejectionMessage
	}

	switch {
	case call.Name == tools.ProposeSoulUpdate:
		return o.applySoulUpdate(ctx, call.Input)

	case strings.HasPrefix(call.Name, "mcp_"):
		if o.mcp == nil {
			return "error: no MCP servers configured"
		}
		out, err := o.mcp.Call(ctx, call.Name, call.Input)
		if err != nil {
			return "error: " + err.Error()
		}
		return truncate(out, o.maxOutput)

	default:
		def, ok := o.defs[call.Name]
		if !ok {
			return fmt.Sprintf("error: unknown tool %q", call.Name)
		}
		res := o.disp.Dispatch(ctx, def.Executor, dispatch.Task{Tool: call.Name, Input: call.Input})
		return res.Output(o.maxOutput)
	}
}

// capabilityFor serializes the claims the dispatcher would mint for a
// sandbox-bound tool, so the approval record shows the requested authority.
// Empty for in-process and MCP tools, which run under no container claims.
func (o *Orchestrator) capabilityFor(toolName string) string {
	def, ok := o.defs[toolName]
	if !ok || def.Executor == tools.ExecutorInProcess {
		return ""
	}
	claims, ok := o.disp.Claims(def.Executor)
	if !ok {
		return ""
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (o *Orchestrator) applySoulUpdate(ctx context.Context, input map[string]any) string {
	if o.soul == nil {
		return "error: identity updates are not enabled"
	}
	content, _ := input["content"].(string)
	if strings.TrimSpace(content) == "" {
		return "error: propose_soul_update requires content"
	}
	if err := o.soul.ApplyUpdate(ctx, content); err != nil {
		return "error: " + err.Error()
	}
	return "Identity file updated."
}

func lastUserText(history []providers.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == providers.RoleUser {
			return history[i].Text()
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max] + "\n[output truncated]"
	}
	return s
}
