// Package sandbox runs tasks in hardened, ephemeral containers. Every run
// drops all capabilities, forbids privilege escalation and executes as a
// non-root user; networking is off unless a filtered network is named.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Mount maps a host path into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RunSpec describes one container execution.
type RunSpec struct {
	Name    string // container name, used for forced removal
	Image   string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	Network string // "" means none
	Memory  string // e.g. "512m"
	CPUs    string // e.g. "1.0"
	User    string // non-root uid:gid, default 1000:1000
	Timeout time.Duration
}

// RunResult is the raw outcome of a container run.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Runtime starts sandboxed containers. The docker CLI implementation is the
// default; tests substitute a fake.
type Runtime interface {
	// Run executes the spec to completion, enforcing spec.Timeout as a
	// wall-clock limit. The container is removed on every exit path.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// HardenedArgs builds the common `docker run` security arguments for a spec,
// excluding the image and command. Shared by the task runtime and the MCP
// manager so every container carries identical hardening.
func HardenedArgs(spec RunSpec) []string {
	args := []string{
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--rm",
	}

	user := spec.User
	if user == "" {
		user = "1000:1000"
	}
	args = append(args, "--user", user)

	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}

	if spec.Network == "" {
		args = append(args, "--network", "none")
	} else {
		args = append(args, "--network", spec.Network)
	}

	for _, m := range spec.Mounts {
		v := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}

	// Stable env order keeps the command line reproducible.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	return args
}
