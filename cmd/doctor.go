package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan-ai/castellan/internal/capability"
	"github.com/castellan-ai/castellan/internal/config"
	"github.com/castellan-ai/castellan/internal/providers"
	"github.com/castellan-ai/castellan/internal/sandbox"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("castellan doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())

	// Required environment, checked before config load so a missing var is
	// diagnosed instead of just failing validation.
	fmt.Println()
	fmt.Println("  Environment:")
	checkSecret(capability.EnvSecret, os.Getenv(capability.EnvSecret))
	checkSecret("CASTELLAN_AUDIT_DIR", os.Getenv("CASTELLAN_AUDIT_DIR"))

	auditDir := config.ExpandHome(os.Getenv("CASTELLAN_AUDIT_DIR"))
	if auditDir != "" {
		fmt.Printf("    %-34s", "audit dir writable:")
		if err := checkWritable(auditDir); err != nil {
			fmt.Printf(" NO (%s)\n", err)
		} else {
			fmt.Println(" yes")
		}
	}

	// Config
	fmt.Println()
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		fmt.Println()
		fmt.Println("Fix the configuration before starting the gateway.")
		return
	}

	fmt.Println()
	fmt.Println("  LLM:")
	fmt.Printf("    %-12s %s / %s\n", "Provider:", cfg.LLM.Provider, cfg.LLM.Model)
	checkSecret(providerKeyEnv(cfg.LLM.Provider), os.Getenv(providerKeyEnv(cfg.LLM.Provider)))

	// Container runtime
	fmt.Println()
	fmt.Println("  Container runtime:")
	checkBinary("docker")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sandbox.NewDockerRuntime().Available(ctx); err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "daemon:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "daemon:")
	}

	// Persistence
	fmt.Println()
	fmt.Println("  Database:")
	mode := cfg.Database.Mode
	if mode == "" {
		mode = "sqlite"
	}
	fmt.Printf("    %-12s %s\n", "Mode:", mode)
	if mode == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s CASTELLAN_POSTGRES_DSN not set\n", "DSN:")
		} else {
			fmt.Printf("    %-12s set\n", "DSN:")
		}
	} else {
		fmt.Printf("    %-12s %s\n", "Path:", cfg.Database.Path)
	}

	fmt.Println()
	fmt.Printf("  Socket:   %s\n", cfg.Gateway.SocketPath)
	fmt.Printf("  Soul:     %s", cfg.SoulFile)
	if _, err := os.Stat(cfg.SoulFile); err != nil {
		fmt.Println(" (NOT FOUND — fallback identity)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  MCP servers: %d configured\n", len(cfg.MCPServers))
	fmt.Printf("  Heartbeats:  %d configured\n", len(cfg.Heartbeats))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "openai":
		return providers.EnvOpenAIKey
	case "gemini":
		return providers.EnvGeminiKey
	case "codex":
		return providers.EnvCodexKey
	default:
		return providers.EnvAnthropicKey
	}
}

func checkSecret(name, value string) {
	if value != "" {
		fmt.Printf("    %-34s set\n", name+":")
	} else {
		fmt.Printf("    %-34s NOT SET\n", name+":")
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
