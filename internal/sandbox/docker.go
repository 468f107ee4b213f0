package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// DockerRuntime runs containers through the docker CLI.
type DockerRuntime struct {
	// Binary overrides the docker binary path; default "docker".
	Binary string
}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{Binary: "docker"}
}

// Available reports whether the docker daemon answers.
func (r *DockerRuntime) Available(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binary(), "info", "--format", "{{.ServerVersion}}")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("sandbox: docker unavailable: %v: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (r *DockerRuntime) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "docker"
}

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Image == "" {
		return nil, errors.New("sandbox: image required")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	args := append([]string{"run"}, HardenedArgs(spec)...)
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.binary(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	// --rm covers the normal path; a kill on timeout can leave the
	// container behind, so force-remove by name as well.
	if spec.Name != "" {
		r.forceRemove(spec.Name)
	}

	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		slog.Warn("sandbox.run.timeout", "image", spec.Image, "timeout", spec.Timeout)
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("sandbox: docker run: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

func (r *DockerRuntime) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.binary(), "rm", "-f", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		// "No such container" is the expected outcome when --rm already ran.
		slog.Debug("sandbox.rm", "container", name, "output", string(bytes.TrimSpace(out)))
	}
}
