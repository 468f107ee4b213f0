// Package config loads the gateway configuration file and overlays
// environment variables. Secrets (API keys, the capability-signing secret,
// the Postgres DSN) are never read from the file — env only.
package config

import (
	"github.com/castellan-ai/castellan/internal/capability"
	"github.com/castellan-ai/castellan/internal/classify"
	"github.com/castellan-ai/castellan/internal/dispatch"
	"github.com/castellan-ai/castellan/internal/heartbeat"
	"github.com/castellan-ai/castellan/internal/mcp"
	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/tracing"
)

// EgressNetwork is the bridge network shared by the domain proxy and every
// container with an egress allow-list.
const EgressNetwork = "castellan-egress"

// Config is the root configuration for the Castellan Gateway.
type Config struct {
	LLM            LLMConfig          `json:"llm"`
	Executors      ExecutorsConfig    `json:"executors,omitempty"`
	Mounts         []capability.Mount `json:"mounts,omitempty"`
	ActionTiers    TiersConfig        `json:"actionTiers,omitempty"`
	TrustedDomains []string           `json:"trustedDomains,omitempty"`
	SoulFile       string             `json:"soulFile,omitempty"`
	Skills         SkillsConfig       `json:"skills,omitempty"`
	Heartbeats     []heartbeat.Config `json:"heartbeats,omitempty"`
	MCPServers     []mcp.ServerConfig `json:"mcpServers,omitempty"`
	Gateway        GatewayConfig      `json:"gateway,omitempty"`
	Sessions       SessionsConfig     `json:"sessions,omitempty"`
	Approvals      ApprovalsConfig    `json:"approvals,omitempty"`
	Database       DatabaseConfig     `json:"database,omitempty"`
	Telemetry      tracing.Config     `json:"telemetry,omitempty"`

	// AuditDir comes from env CASTELLAN_AUDIT_DIR only. Required.
	AuditDir string `json:"-"`
}

// LLMConfig selects the provider abstraction. The API key comes from the
// provider's own env var, never from here.
type LLMConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
}

// ExecutorsConfig is the per-executor sandbox policy.
type ExecutorsConfig struct {
	Shell ExecutorConfig    `json:"shell,omitempty"`
	File  ExecutorConfig    `json:"file,omitempty"`
	Web   WebExecutorConfig `json:"web,omitempty"`
}

// ExecutorConfig is the sandbox policy of one executor type.
type ExecutorConfig struct {
	Image            string `json:"image,omitempty"`
	MemoryLimit      string `json:"memoryLimit,omitempty"`      // e.g. "512m"
	CPULimit         string `json:"cpuLimit,omitempty"`         // e.g. "1.0"
	DefaultTimeout   int    `json:"defaultTimeout,omitempty"`   // seconds
	DefaultMaxOutput int    `json:"defaultMaxOutput,omitempty"` // bytes
}

// WebExecutorConfig adds the web-only knobs on top of the common policy.
type WebExecutorConfig struct {
	ExecutorConfig
	ResultFormat   string   `json:"resultFormat,omitempty"` // "structured" (default) or "legacy"
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// TiersConfig holds the classifier rule lists in priority order.
type TiersConfig struct {
	AutoApprove     []classify.Rule `json:"autoApprove,omitempty"`
	Notify          []classify.Rule `json:"notify,omitempty"`
	RequireApproval []classify.Rule `json:"requireApproval,omitempty"`
}

// SkillsConfig configures the prompt builder's skill inputs.
type SkillsConfig struct {
	Directory  string               `json:"directory,omitempty"`
	CharBudget int                  `json:"charBudget,omitempty"`
	Overrides  []prompt.SkillConfig `json:"overrides,omitempty"`
}

// GatewayConfig configures the bridge transport surfaces.
type GatewayConfig struct {
	SocketPath string            `json:"socketPath,omitempty"`
	Web        WebListenerConfig `json:"web,omitempty"`
}

// WebListenerConfig configures the optional WebSocket listener.
type WebListenerConfig struct {
	Enabled        bool     `json:"enabled,omitempty"`
	Addr           string   `json:"addr,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// SessionsConfig bounds the in-memory session store.
type SessionsConfig struct {
	TTLMinutes int `json:"ttlMinutes,omitempty"`
	MaxTurns   int `json:"maxTurns,omitempty"`
}

// ApprovalsConfig configures the HITL rendezvous.
type ApprovalsConfig struct {
	TimeoutSec int `json:"timeoutSec,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the file — env CASTELLAN_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"` // sqlite file
	PostgresDSN string `json:"-"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 8192,
		},
		Executors: ExecutorsConfig{
			Shell: ExecutorConfig{
				Image:            "castellan-executor-shell:latest",
				MemoryLimit:      "512m",
				CPULimit:         "1.0",
				DefaultTimeout:   120,
				DefaultMaxOutput: 1_000_000,
			},
			File: ExecutorConfig{
				Image:            "castellan-executor-file:latest",
				MemoryLimit:      "256m",
				CPULimit:         "0.5",
				DefaultTimeout:   60,
				DefaultMaxOutput: 1_000_000,
			},
			Web: WebExecutorConfig{
				ExecutorConfig: ExecutorConfig{
					Image:            "castellan-executor-web:latest",
					MemoryLimit:      "1g",
					CPULimit:         "1.0",
					DefaultTimeout:   180,
					DefaultMaxOutput: 500_000,
				},
				ResultFormat: "structured",
			},
		},
		SoulFile: "~/.castellan/soul.md",
		Skills: SkillsConfig{
			Directory: "~/.castellan/skills",
		},
		Gateway: GatewayConfig{
			SocketPath: "~/.castellan/gateway.sock",
			Web: WebListenerConfig{
				Addr: "127.0.0.1:18791",
			},
		},
		Sessions: SessionsConfig{
			TTLMinutes: 60,
			MaxTurns:   50,
		},
		Approvals: ApprovalsConfig{
			TimeoutSec: 300,
		},
		Database: DatabaseConfig{
			Mode: "sqlite",
			Path: "~/.castellan/castellan.db",
		},
	}
}

// ClassifierConfig assembles the classifier input from the tier rules, the
// top-level trusted-domain list and the MCP servers' default tiers.
func (c *Config) ClassifierConfig() classify.Config {
	var prefixes []classify.PrefixTier
	for _, s := range c.MCPServers {
		if s.DefaultTier == "" {
			continue
		}
		prefixes = append(prefixes, classify.PrefixTier{
			Prefix: mcp.ToolPrefix + s.Name + "__",
			Tier:   classify.Tier(s.DefaultTier),
		})
	}
	return classify.Config{
		AutoApprove:     c.ActionTiers.AutoApprove,
		Notify:          c.ActionTiers.Notify,
		RequireApproval: c.ActionTiers.RequireApproval,
		TrustedDomains:  c.TrustedDomains,
		PrefixTiers:     prefixes,
	}
}

// ExecutorSpecs builds the dispatcher's executor table. Shell and file
// executors carry the configured mount claims and no network; the web
// executor gets an egress allow-list (falling back to trustedDomains) and
// routes through the domain proxy's bridge network.
func (c *Config) ExecutorSpecs() map[string]dispatch.ExecutorSpec {
	common := func(e ExecutorConfig, mounts []capability.Mount) dispatch.ExecutorSpec {
		return dispatch.ExecutorSpec{
			Image:          e.Image,
			TimeoutSeconds: e.DefaultTimeout,
			MaxOutputBytes: e.DefaultMaxOutput,
			Memory:         e.MemoryLimit,
			CPUs:           e.CPULimit,
			Mounts:         mounts,
		}
	}

	webDomains := c.Executors.Web.AllowedDomains
	if len(webDomains) == 0 {
		webDomains = c.TrustedDomains
	}
	web := common(c.Executors.Web.ExecutorConfig, nil)
	web.AllowedDomains = webDomains
	web.Network = EgressNetwork
	if f := c.Executors.Web.ResultFormat; f != "" {
		web.Env = map[string]string{"RESULT_FORMAT": f}
	}

	return map[string]dispatch.ExecutorSpec{
		"shell": common(c.Executors.Shell, c.Mounts),
		"file":  common(c.Executors.File, c.Mounts),
		"web":   web,
	}
}
