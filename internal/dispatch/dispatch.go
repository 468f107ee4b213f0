// Package dispatch executes approved tool calls through ephemeral sandbox
// containers. Every run carries a freshly minted capability token; failures
// never propagate as errors — they become ExecutorResults the LLM can see.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/castellan-ai/castellan/internal/capability"
	"github.com/castellan-ai/castellan/internal/sandbox"
)

var tracer = otel.Tracer("castellan/dispatch")

// ExecutorResult is the normalised outcome of one sandboxed task.
type ExecutorResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Output returns the content fed back to the LLM, truncated to max bytes.
func (r *ExecutorResult) Output(max int) string {
	var out string
	switch {
	case r.Error != "":
		out = "error: " + r.Error
		if r.Stderr != "" {
			out += "\n" + r.Stderr
		}
	case r.Stderr != "" && r.Stdout != "":
		out = r.Stdout + "\n" + r.Stderr
	case r.Stderr != "":
		out = r.Stderr
	default:
		out = r.Stdout
	}
	if max > 0 && len(out) > max {
		out = out[:max] + "\n[output truncated]"
	}
	return out
}

// Task is the payload handed to an executor container.
type Task struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ExecutorSpec is the static configuration of one executor type.
type ExecutorSpec struct {
	Image          string
	Command        []string
	TimeoutSeconds int
	MaxOutputBytes int
	Memory         string
	CPUs           string
	User           string
	Mounts         []capability.Mount
	AllowedDomains []string
	Network        string            // bridge network name when AllowedDomains set
	Env            map[string]string // extra executor environment (e.g. RESULT_FORMAT)
}

// Registrar lets network-enabled executors register with the domain proxy
// before launch. Implemented by the MCP/domain proxy.
type Registrar interface {
	Register(containerName string, allowedDomains []string)
	Unregister(containerName string)
}

// Dispatcher mints tokens and runs tasks in sandbox containers.
type Dispatcher struct {
	signer    *capability.Signer
	runtime   sandbox.Runtime
	executors map[string]ExecutorSpec
	registrar Registrar // nil when no network executors are configured
}

func New(signer *capability.Signer, runtime sandbox.Runtime, executors map[string]ExecutorSpec) *Dispatcher {
	return &Dispatcher{signer: signer, runtime: runtime, executors: executors}
}

// SetRegistrar wires the domain proxy registration hook.
func (d *Dispatcher) SetRegistrar(r Registrar) { d.registrar = r }

// Claims returns the capability claims a task on the executor type would run
// under, before lifetime stamping. False for unknown executor types. The
// approval flow records these so the audit trail shows the requested
// authority, not just the tool input.
func (d *Dispatcher) Claims(executorType string) (capability.Claims, bool) {
	spec, ok := d.executors[executorType]
	if !ok {
		return capability.Claims{}, false
	}
	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	return capability.Claims{
		ExecutorType:   executorType,
		Mounts:         spec.Mounts,
		Network:        capability.NetworkPolicy{AllowedDomains: spec.AllowedDomains},
		TimeoutSeconds: timeout,
		MaxOutputBytes: spec.MaxOutputBytes,
	}, true
}

// Dispatch runs one task on the named executor type. The returned result is
// always non-nil; infrastructure failures surface as {success:false, error}.
func (d *Dispatcher) Dispatch(ctx context.Context, executorType string, task Task) *ExecutorResult {
	ctx, span := tracer.Start(ctx, "tool.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("executor.type", executorType),
		attribute.String("tool.name", task.Tool),
	)

	spec, ok := d.executors[executorType]
	if !ok {
		return failure(fmt.Sprintf("unknown executor type %q", executorType))
	}
	claims, _ := d.Claims(executorType)
	timeout := claims.TimeoutSeconds

	token, err := d.signer.Mint(claims)
	if err != nil {
		return failure(fmt.Sprintf("mint capability token: %v", err))
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return failure(fmt.Sprintf("encode task: %v", err))
	}

	name := fmt.Sprintf("castellan-%s-%s", executorType, uuid.NewString()[:8])

	network := ""
	if len(spec.AllowedDomains) > 0 {
		network = spec.Network
		if d.registrar != nil {
			d.registrar.Register(name, spec.AllowedDomains)
			defer d.registrar.Unregister(name)
		}
	}

	env := map[string]string{
		"CAP_TOKEN":    token,
		"TASK_PAYLOAD": base64.StdEncoding.EncodeToString(payload),
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	run := sandbox.RunSpec{
		Name:    name,
		Image:   spec.Image,
		Command: spec.Command,
		Env:     env,
		Mounts:  toSandboxMounts(spec.Mounts),
		Network: network,
		Memory:  spec.Memory,
		CPUs:    spec.CPUs,
		User:    spec.User,
		Timeout: time.Duration(timeout) * time.Second,
	}

	start := time.Now()
	res, err := d.runtime.Run(ctx, run)
	if err != nil {
		slog.Error("dispatch.run_failed", "executor", executorType, "tool", task.Tool, "error", err)
		return failure(fmt.Sprintf("container start: %v", err))
	}
	if res.TimedOut {
		slog.Warn("dispatch.timeout", "executor", executorType, "tool", task.Tool)
		return &ExecutorResult{
			Success:    false,
			ExitCode:   res.ExitCode,
			Stderr:     res.Stderr,
			DurationMs: res.Duration.Milliseconds(),
			Error:      "timeout",
		}
	}

	result := parseExecutorOutput(res.Stdout)
	if result == nil {
		result = &ExecutorResult{
			Success:  false,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Error:    "executor produced no parseable result",
		}
	}
	if result.DurationMs == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
	}

	slog.Debug("dispatch.done",
		"executor", executorType, "tool", task.Tool,
		"success", result.Success, "exitCode", result.ExitCode)
	return result
}

// parseExecutorOutput extracts the ExecutorResult from the last JSON line of
// stdout. Returns nil when no line parses.
func parseExecutorOutput(stdout string) *ExecutorResult {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var r ExecutorResult
		if err := json.Unmarshal([]byte(line), &r); err == nil {
			return &r
		}
		return nil
	}
	return nil
}

func failure(msg string) *ExecutorResult {
	return &ExecutorResult{Success: false, ExitCode: -1, Error: msg}
}

func toSandboxMounts(in []capability.Mount) []sandbox.Mount {
	out := make([]sandbox.Mount, 0, len(in))
	for _, m := range in {
		out = append(out, sandbox.Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	return out
}
