package providers

import (
	"fmt"
	"os"
)

// Env vars holding provider API keys. Keys never live in the config file.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvCodexKey     = "CODEX_API_KEY"
)

// New builds the provider named by the config. The API key comes from the
// provider's environment variable.
func New(name, model, baseURL string) (Provider, error) {
	switch name {
	case "anthropic":
		key := os.Getenv(EnvAnthropicKey)
		if key == "" {
			return nil, fmt.Errorf("providers: %s not set", EnvAnthropicKey)
		}
		return NewAnthropicProvider(key,
			WithAnthropicModel(model), WithAnthropicBaseURL(baseURL)), nil

	case "openai":
		key := os.Getenv(EnvOpenAIKey)
		if key == "" {
			return nil, fmt.Errorf("providers: %s not set", EnvOpenAIKey)
		}
		return NewOpenAIProvider("openai", key, baseURL, model), nil

	case "gemini":
		key := os.Getenv(EnvGeminiKey)
		if key == "" {
			return nil, fmt.Errorf("providers: %s not set", EnvGeminiKey)
		}
		return NewGeminiProvider(key, baseURL, model), nil

	case "codex":
		key := os.Getenv(EnvCodexKey)
		if key == "" {
			return nil, fmt.Errorf("providers: %s not set", EnvCodexKey)
		}
		return NewCodexProvider(key, baseURL, model), nil
	}
	return nil, fmt.Errorf("providers: unknown provider %q", name)
}
