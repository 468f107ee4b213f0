package providers

const (
	codexDefaultBase  = "https://chatgpt.com/backend-api/codex/v1"
	codexDefaultModel = "gpt-5-codex"
)

// CodexProvider wraps OpenAIProvider against the Codex-compatible endpoint.
// The wire format is chat-completions compatible; only base URL, auth model
// and defaults differ.
type CodexProvider struct {
	*OpenAIProvider
}

func NewCodexProvider(apiKey, apiBase, defaultModel string) *CodexProvider {
	if apiBase == "" {
		apiBase = codexDefaultBase
	}
	if defaultModel == "" {
		defaultModel = codexDefaultModel
	}
	return &CodexProvider{
		OpenAIProvider: NewOpenAIProvider("codex", apiKey, apiBase, defaultModel),
	}
}

func (p *CodexProvider) Name() string { return "codex" }
