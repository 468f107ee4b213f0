package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/capability"
	"github.com/castellan-ai/castellan/internal/sandbox"
)

type fakeRuntime struct {
	lastSpec sandbox.RunSpec
	result   *sandbox.RunResult
	err      error
}

func (f *fakeRuntime) Run(_ context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	f.lastSpec = spec
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, rt sandbox.Runtime) *Dispatcher {
	t.Helper()
	signer, err := capability.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return New(signer, rt, map[string]ExecutorSpec{
		"shell": {
			Image:          "castellan/shell-executor",
			TimeoutSeconds: 30,
			MaxOutputBytes: 1024,
		},
		"web": {
			Image:          "castellan/web-executor",
			TimeoutSeconds: 30,
			AllowedDomains: []string{"example.com"},
			Network:        "castellan-egress",
		},
	})
}

func TestDispatchParsesLastJSONLine(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.RunResult{
		ExitCode: 0,
		Stdout:   "progress line\n{\"success\":true,\"exitCode\":0,\"stdout\":\"a.txt\\nb.txt\",\"durationMs\":12}\n",
	}}
	d := newTestDispatcher(t, rt)

	res := d.Dispatch(context.Background(), "shell", Task{Tool: "list_directory", Input: map[string]any{"path": "/w"}})
	if !res.Success || res.Stdout != "a.txt\nb.txt" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchEnvCarriesTokenAndPayload(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.RunResult{Stdout: `{"success":true}`}}
	d := newTestDispatcher(t, rt)

	d.Dispatch(context.Background(), "shell", Task{Tool: "run_shell_command", Input: map[string]any{"command": "ls"}})

	env := rt.lastSpec.Env
	if env["CAP_TOKEN"] == "" {
		t.Fatal("CAP_TOKEN not set")
	}
	if strings.Count(env["CAP_TOKEN"], ".") != 2 {
		t.Errorf("token not JWS compact: %q", env["CAP_TOKEN"])
	}
	raw, err := base64.StdEncoding.DecodeString(env["TASK_PAYLOAD"])
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil || task.Tool != "run_shell_command" {
		t.Errorf("payload = %s (err %v)", raw, err)
	}
	if len(env) != 2 {
		t.Errorf("env has %d entries, want only CAP_TOKEN and TASK_PAYLOAD", len(env))
	}
}

func TestDispatchNetworkPolicy(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.RunResult{Stdout: `{"success":true}`}}
	d := newTestDispatcher(t, rt)

	d.Dispatch(context.Background(), "shell", Task{Tool: "read_file"})
	if rt.lastSpec.Network != "" {
		t.Errorf("shell network = %q, want none", rt.lastSpec.Network)
	}

	d.Dispatch(context.Background(), "web", Task{Tool: "browse_web"})
	if rt.lastSpec.Network != "castellan-egress" {
		t.Errorf("web network = %q", rt.lastSpec.Network)
	}
	if rt.lastSpec.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", rt.lastSpec.Timeout)
	}
}

func TestDispatchTimeout(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.RunResult{TimedOut: true, ExitCode: -1}}
	d := newTestDispatcher(t, rt)

	res := d.Dispatch(context.Background(), "shell", Task{Tool: "run_shell_command"})
	if res.Success || res.Error != "timeout" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchUnparseableOutput(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.RunResult{ExitCode: 1, Stdout: "panic: boom\n"}}
	d := newTestDispatcher(t, rt)

	res := d.Dispatch(context.Background(), "shell", Task{Tool: "run_shell_command"})
	if res.Success || res.Error == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExitCode != 1 {
		t.Errorf("exitCode = %d", res.ExitCode)
	}
}

func TestDispatchUnknownExecutor(t *testing.T) {
	d := newTestDispatcher(t, &fakeRuntime{})
	res := d.Dispatch(context.Background(), "gpu", Task{Tool: "x"})
	if res.Success || !strings.Contains(res.Error, "unknown executor") {
		t.Fatalf("result = %+v", res)
	}
}

func TestOutputTruncation(t *testing.T) {
	r := &ExecutorResult{Success: true, Stdout: strings.Repeat("x", 100)}
	out := r.Output(10)
	if !strings.HasPrefix(out, "xxxxxxxxxx") || !strings.Contains(out, "truncated") {
		t.Errorf("output = %q", out)
	}
	if got := r.Output(0); len(got) != 100 {
		t.Errorf("uncapped output length = %d", len(got))
	}
}

func TestHardenedArgs(t *testing.T) {
	args := sandbox.HardenedArgs(sandbox.RunSpec{
		Name:   "c1",
		Memory: "512m",
		CPUs:   "1.0",
		Mounts: []sandbox.Mount{{HostPath: "/h", ContainerPath: "/c", ReadOnly: true}},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--network none",
		"--user 1000:1000",
		"-v /h:/c:ro",
		"--rm",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}
