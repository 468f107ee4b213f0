package providers

import (
	"context"
	"sync"
)

// Fake is a scripted in-memory Provider for tests. Each Chat call pops the
// next scripted response; when the script is exhausted it returns Final.
type Fake struct {
	mu       sync.Mutex
	Script   []*ChatResponse
	Final    *ChatResponse
	Err      error
	Requests []ChatRequest
}

func (f *Fake) Name() string         { return "fake" }
func (f *Fake) DefaultModel() string { return "fake-model" }

func (f *Fake) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Script) > 0 {
		resp := f.Script[0]
		f.Script = f.Script[1:]
		return resp, nil
	}
	if f.Final != nil {
		return f.Final, nil
	}
	return &ChatResponse{StopReason: StopEndTurn, Blocks: []ContentBlock{Text("ok")}}, nil
}
