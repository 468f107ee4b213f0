package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	geminiAPIBase      = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiProvider implements Provider using the Gemini generateContent API.
type GeminiProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewGeminiProvider(apiKey, baseURL, defaultModel string) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiAPIBase
	}
	if defaultModel == "" {
		defaultModel = defaultGeminiModel
	}
	return &GeminiProvider{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }

func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(req)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, model, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp geminiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("gemini: decode response: %w", err)
		}
		return parseGeminiResponse(&resp), nil
	})
}

func (p *GeminiProvider) buildRequestBody(req ChatRequest) map[string]any {
	var contents []map[string]any

	// Gemini matches functionResponse to functionCall by name, so carry the
	// tool name through the call id ("name:uuid").
	callNames := map[string]string{}

	for _, turn := range req.Messages {
		switch turn.Role {
		case RoleUser:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": turn.Text()}},
			})

		case RoleAssistant:
			var parts []map[string]any
			for _, b := range turn.Content {
				switch b.Type {
				case BlockText:
					if b.Text != "" {
						parts = append(parts, map[string]any{"text": b.Text})
					}
				case BlockToolCall:
					callNames[b.ID] = b.Name
					args := b.Input
					if args == nil {
						args = map[string]any{}
					}
					parts = append(parts, map[string]any{
						"functionCall": map[string]any{"name": b.Name, "args": args},
					})
				}
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case RoleToolResults:
			var parts []map[string]any
			for _, b := range turn.Content {
				if b.Type != BlockToolResult {
					continue
				}
				name := callNames[b.ToolCallID]
				if name == "" {
					name, _, _ = strings.Cut(b.ToolCallID, ":")
				}
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"output": b.Content},
					},
				})
			}
			contents = append(contents, map[string]any{"role": "user", "parts": parts})
		}
	}

	body := map[string]any{"contents": contents}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return body
}

func (p *GeminiProvider) doRequest(ctx context.Context, model string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("gemini: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseGeminiResponse(resp *geminiResponse) *ChatResponse {
	result := &ChatResponse{StopReason: StopEndTurn}
	if len(resp.Candidates) == 0 {
		return result
	}
	cand := resp.Candidates[0]

	for _, part := range cand.Content.Parts {
		switch {
		case part.Text != "":
			result.Blocks = append(result.Blocks, Text(part.Text))
		case part.FunctionCall != nil:
			id := part.FunctionCall.Name + ":" + uuid.NewString()
			result.Blocks = append(result.Blocks, ToolCall(id, part.FunctionCall.Name, part.FunctionCall.Args))
		}
	}

	if len(result.ToolCalls()) > 0 {
		result.StopReason = StopToolUse
	} else if cand.FinishReason == "MAX_TOKENS" {
		result.StopReason = StopMaxTokens
	}

	result.Usage = &Usage{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
	return result
}

// --- Gemini API types (internal) ---

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
}
