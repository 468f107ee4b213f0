package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars and validates.
// A missing file yields the defaults (env overlay still applies).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CASTELLAN_AUDIT_DIR", &c.AuditDir)
	envStr("CASTELLAN_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CASTELLAN_DB_MODE", &c.Database.Mode)
	envStr("CASTELLAN_DB_PATH", &c.Database.Path)

	envStr("CASTELLAN_PROVIDER", &c.LLM.Provider)
	envStr("CASTELLAN_MODEL", &c.LLM.Model)

	envStr("CASTELLAN_SOCKET_PATH", &c.Gateway.SocketPath)
	envStr("CASTELLAN_WEB_ADDR", &c.Gateway.Web.Addr)

	envStr("CASTELLAN_SOUL_FILE", &c.SoulFile)
	envStr("CASTELLAN_SKILLS_DIR", &c.Skills.Directory)

	envStr("CASTELLAN_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CASTELLAN_TELEMETRY_EXPORTER", &c.Telemetry.Exporter)
	if v := os.Getenv("CASTELLAN_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CASTELLAN_APPROVAL_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Approvals.TimeoutSec = sec
		}
	}
}

// applyDerivedDefaults fills fields whose default depends on other settings.
// An MCP server with an egress allow-list must sit on the proxy's bridge
// network; the file schema never has to name the internal network.
func (c *Config) applyDerivedDefaults() {
	for i := range c.MCPServers {
		s := &c.MCPServers[i]
		if s.Network == "" && len(s.AllowedDomains) > 0 {
			s.Network = EgressNetwork
		}
	}
}

func (c *Config) expandPaths() {
	c.SoulFile = ExpandHome(c.SoulFile)
	c.Skills.Directory = ExpandHome(c.Skills.Directory)
	c.Gateway.SocketPath = ExpandHome(c.Gateway.SocketPath)
	c.Database.Path = ExpandHome(c.Database.Path)
	c.AuditDir = ExpandHome(c.AuditDir)
	for i := range c.Mounts {
		c.Mounts[i].HostPath = ExpandHome(c.Mounts[i].HostPath)
	}
}

// Validate rejects configs the gateway cannot start with. Any error here is
// fatal at startup.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini", "codex":
	default:
		return fmt.Errorf("config: unknown llm.provider %q", c.LLM.Provider)
	}

	switch c.Database.Mode {
	case "", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("config: database.mode is postgres but CASTELLAN_POSTGRES_DSN is not set")
		}
	default:
		return fmt.Errorf("config: unknown database.mode %q", c.Database.Mode)
	}

	if c.AuditDir == "" {
		return fmt.Errorf("config: CASTELLAN_AUDIT_DIR is not set")
	}
	if c.Gateway.SocketPath == "" {
		return fmt.Errorf("config: gateway.socketPath is empty")
	}
	if c.Gateway.Web.Enabled && c.Gateway.Web.Addr == "" {
		return fmt.Errorf("config: gateway.web.enabled without gateway.web.addr")
	}
	if c.Approvals.TimeoutSec <= 0 {
		return fmt.Errorf("config: approvals.timeoutSec must be positive")
	}

	for name, e := range map[string]ExecutorConfig{
		"shell": c.Executors.Shell,
		"file":  c.Executors.File,
		"web":   c.Executors.Web.ExecutorConfig,
	} {
		if e.Image == "" {
			return fmt.Errorf("config: executors.%s.image is empty", name)
		}
		if e.DefaultTimeout < 0 || e.DefaultMaxOutput < 0 {
			return fmt.Errorf("config: executors.%s has a negative limit", name)
		}
	}
	switch c.Executors.Web.ResultFormat {
	case "", "structured", "legacy":
	default:
		return fmt.Errorf("config: unknown executors.web.resultFormat %q", c.Executors.Web.ResultFormat)
	}

	for _, m := range c.Mounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return fmt.Errorf("config: mount entries need hostPath and containerPath")
		}
	}

	cron := gronx.New()
	seen := map[string]bool{}
	for _, hb := range c.Heartbeats {
		if hb.Name == "" {
			return fmt.Errorf("config: heartbeat without a name")
		}
		if seen[hb.Name] {
			return fmt.Errorf("config: duplicate heartbeat %q", hb.Name)
		}
		seen[hb.Name] = true
		if !cron.IsValid(hb.Schedule) {
			return fmt.Errorf("config: heartbeat %q has invalid schedule %q", hb.Name, hb.Schedule)
		}
	}

	names := map[string]bool{}
	for _, s := range c.MCPServers {
		if s.Name == "" || s.Image == "" {
			return fmt.Errorf("config: mcp servers need name and image")
		}
		if names[s.Name] {
			return fmt.Errorf("config: duplicate mcp server %q", s.Name)
		}
		names[s.Name] = true
		switch s.DefaultTier {
		case "", "auto-approve", "notify", "require-approval":
		default:
			return fmt.Errorf("config: mcp server %q has unknown defaultTier %q", s.Name, s.DefaultTier)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
