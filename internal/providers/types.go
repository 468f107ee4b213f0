package providers

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Chat sends the conversation to the LLM and returns a response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Conversation roles.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolResults = "tool_results"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolCall   = "tool_call"
	BlockToolResult = "tool_result"
)

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	System    string       `json:"system,omitempty"`
	Messages  []Turn       `json:"messages"`
	Tools     []ToolSchema `json:"tools,omitempty"`
	Model     string       `json:"model,omitempty"`
	MaxTokens int          `json:"maxTokens,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	StopReason string         `json:"stopReason"` // end_turn, tool_use, max_tokens
	Blocks     []ContentBlock `json:"content"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Text concatenates the text blocks of the response.
func (r *ChatResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call blocks in emission order.
func (r *ChatResponse) ToolCalls() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockToolCall {
			out = append(out, b)
		}
	}
	return out
}

// Turn is one conversation message. Content is either a plain string or an
// ordered sequence of blocks on the wire; both decode into Content.
type Turn struct {
	Role    string `json:"role"`
	Content Blocks `json:"content"`
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var out string
	for _, b := range t.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// UserText builds a plain-text user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Content: Blocks{Text(text)}}
}

// AssistantTurn builds an assistant turn from response blocks.
func AssistantTurn(blocks []ContentBlock) Turn {
	return Turn{Role: RoleAssistant, Content: blocks}
}

// ToolResultsTurn carries the results of one tool round, in call order.
func ToolResultsTurn(blocks []ContentBlock) Turn {
	return Turn{Role: RoleToolResults, Content: blocks}
}

// Blocks is an ordered block sequence that also accepts a bare JSON string.
type Blocks []ContentBlock

func (b *Blocks) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = Blocks{Text(s)}
		return nil
	}
	var raw []ContentBlock
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content: expected string or block array: %w", err)
	}
	*b = raw
	return nil
}

// ContentBlock is one unit of turn content. Type selects which fields apply:
//
//	text        → Text
//	tool_call   → ID, Name, Input
//	tool_result → ToolCallID, Content
type ContentBlock struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Content    string         `json:"content,omitempty"`
}

// Text builds a text block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolCall builds a tool_call block.
func ToolCall(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ID: id, Name: name, Input: input}
}

// ToolResult builds a tool_result block.
func ToolResult(toolCallID, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolCallID: toolCallID, Content: content}
}

// ToolSchema describes a tool available to the LLM.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
