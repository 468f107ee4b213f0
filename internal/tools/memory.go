package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/castellan-ai/castellan/internal/store"
)

// MemoryTools executes save_memory and search_memory in-process against the
// memory store. These never touch a sandbox and never hit the approval gate.
type MemoryTools struct {
	Store store.MemoryStore
}

// Execute runs the named memory tool and returns the tool_result content.
func (m *MemoryTools) Execute(ctx context.Context, userID, name string, input map[string]any) (string, error) {
	switch name {
	case SaveMemory:
		return m.save(ctx, userID, input)
	case SearchMemory:
		return m.search(ctx, userID, input)
	}
	return "", fmt.Errorf("tools: %q is not a memory tool", name)
}

func (m *MemoryTools) save(ctx context.Context, userID string, input map[string]any) (string, error) {
	category, _ := input["category"].(string)
	topic, _ := input["topic"].(string)
	content, _ := input["content"].(string)
	if category == "" || topic == "" || content == "" {
		return "", fmt.Errorf("tools: save_memory requires category, topic and content")
	}

	mem, err := m.Store.Save(ctx, userID, category, topic, content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved memory %s/%s.", mem.Category, mem.Topic), nil
}

func (m *MemoryTools) search(ctx context.Context, userID string, input map[string]any) (string, error) {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("tools: search_memory requires query")
	}

	hits, err := m.Store.Search(ctx, userID, query, 6)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No matching memories.", nil
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s/%s] %s\n", h.Category, h.Topic, h.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
