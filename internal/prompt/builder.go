package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/castellan-ai/castellan/internal/store"
)

// behaviourRules is the fixed final prompt section.
const behaviourRules = `# Rules
- Ask before any action that could destroy data or spend money.
- Prefer the sandboxed tools over guessing; never fabricate tool output.
- If an action was rejected by the user, accept the rejection as final.
- Keep replies short; this is a chat, not a report.`

// TaskState describes the active multi-step task for the prompt.
type TaskState struct {
	Goal          string
	Iteration     int
	MaxIterations int
	Steps         []string
}

// Builder assembles the layered system prompt.
type Builder struct {
	soul   *Soul
	skills *Skills
	memory store.MemoryStore
}

func NewBuilder(soul *Soul, skills *Skills, memory store.MemoryStore) *Builder {
	return &Builder{soul: soul, skills: skills, memory: memory}
}

// Build produces the system prompt for one turn. lastUserMessage seeds the
// relevant-context memory search; task is nil outside the task loop.
func (b *Builder) Build(ctx context.Context, userID, lastUserMessage string, task *TaskState) string {
	var sections []string

	sections = append(sections, b.soul.Content())

	if b.skills != nil {
		lines, inline := b.skills.Catalog()
		if len(lines) > 0 {
			sections = append(sections, "# Skills\n"+strings.Join(lines, "\n"))
		}
		if inline != "" {
			sections = append(sections, inline)
		}
	}

	if known := b.knownUserFacts(ctx, userID); known != "" {
		sections = append(sections, "# What you know about the user\n"+known)
	}

	if relevant := b.relevantContext(ctx, userID, lastUserMessage); relevant != "" {
		sections = append(sections, "# Relevant context\n"+relevant)
	}

	if task != nil {
		sections = append(sections, formatTask(task))
	}

	sections = append(sections, behaviourRules)
	return strings.Join(sections, "\n\n")
}

func (b *Builder) knownUserFacts(ctx context.Context, userID string) string {
	var lines []string
	for _, category := range []string{store.CategoryUser, store.CategoryPreference} {
		rows, err := b.memory.GetByCategory(ctx, userID, category)
		if err != nil {
			continue
		}
		for _, m := range rows {
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", m.Category, m.Topic, m.Content))
		}
	}
	return strings.Join(lines, "\n")
}

func (b *Builder) relevantContext(ctx context.Context, userID, query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	hits, err := b.memory.Search(ctx, userID, query, 4)
	if err != nil || len(hits) == 0 {
		return ""
	}
	var lines []string
	for _, m := range hits {
		lines = append(lines, fmt.Sprintf("- [%s/%s] %s", m.Category, m.Topic, m.Content))
	}
	return strings.Join(lines, "\n")
}

func formatTask(t *TaskState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Active task\nGoal: %s\nIteration %d/%d\n", t.Goal, t.Iteration, t.MaxIterations)
	for _, step := range t.Steps {
		fmt.Fprintf(&b, "- %s\n", step)
	}
	return strings.TrimRight(b.String(), "\n")
}
