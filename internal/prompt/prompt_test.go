package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/store/sqlite"
)

func testAudit(t *testing.T) *audit.Logger {
	t.Helper()
	log, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func writeSoul(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soul.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	return path
}

func TestSoulVerifiedContent(t *testing.T) {
	path := writeSoul(t, "I am the identity.")
	s := NewSoul(path, testAudit(t), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Content(); got != "I am the identity." {
		t.Errorf("Content = %q", got)
	}
}

func TestSoulTamperFallsBack(t *testing.T) {
	path := writeSoul(t, "original")
	s := NewSoul(path, testAudit(t), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	os.WriteFile(path, []byte("injected by executor"), 0o644)
	if got := s.Content(); got != FallbackSoul {
		t.Errorf("tampered Content = %q, want fallback", got)
	}
	if s.Verify() {
		t.Error("Verify passed on tampered file")
	}
}

func TestSoulMissingFileFallsBack(t *testing.T) {
	path := writeSoul(t, "original")
	s := NewSoul(path, testAudit(t), nil)
	s.Load()
	os.Remove(path)
	if got := s.Content(); got != FallbackSoul {
		t.Errorf("Content after delete = %q, want fallback", got)
	}
}

func TestSoulNeverLoadedFallsBack(t *testing.T) {
	s := NewSoul("/nonexistent", testAudit(t), nil)
	if got := s.Content(); got != FallbackSoul {
		t.Errorf("Content = %q, want fallback", got)
	}
}

func TestSoulApplyUpdateArchivesAndReanchors(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "soul.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	path := writeSoul(t, "v1")
	s := NewSoul(path, testAudit(t), st.SoulVersions)
	s.Load()

	ctx := context.Background()
	if err := s.ApplyUpdate(ctx, "v2"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if got := s.Content(); got != "v2" {
		t.Errorf("Content after update = %q", got)
	}

	archived, err := st.SoulVersions.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if archived.Content != "v1" {
		t.Errorf("archived content = %q, want previous version", archived.Content)
	}
}

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestSkillsCatalogAndInline(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git", "Use conventional commits.")
	writeSkill(t, dir, "deploy", "Deploy via make release.")

	sk := NewSkills(dir, testAudit(t))
	err := sk.Load([]SkillConfig{
		{Name: "git", Description: "Git conventions", AlwaysLoad: true},
		{Name: "deploy", Description: "Release process"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	lines, inline := sk.Catalog()
	if len(lines) != 2 {
		t.Fatalf("catalog = %v", lines)
	}
	if !strings.Contains(inline, "conventional commits") {
		t.Errorf("alwaysLoad content not inlined: %q", inline)
	}
	if strings.Contains(inline, "make release") {
		t.Errorf("non-alwaysLoad content inlined: %q", inline)
	}
}

func TestSkillsInlineBudget(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "big", strings.Repeat("x", 10000))

	sk := NewSkills(dir, testAudit(t))
	sk.SetInlineBudget(100)
	sk.Load([]SkillConfig{{Name: "big", Description: "d", AlwaysLoad: true}})

	_, inline := sk.Catalog()
	if len(inline) > 200 {
		t.Errorf("inline length = %d, budget ignored", len(inline))
	}
}

func TestSkillsRejectSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "outside.md")
	os.WriteFile(target, []byte("escape"), 0o644)
	if err := os.Symlink(target, filepath.Join(dir, "evil.md")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	sk := NewSkills(dir, testAudit(t))
	sk.Load([]SkillConfig{{Name: "evil", Description: "d"}})
	lines, _ := sk.Catalog()
	if len(lines) != 0 {
		t.Errorf("symlinked skill loaded: %v", lines)
	}
}

func TestSkillsTamperSkipped(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git", "original")

	sk := NewSkills(dir, testAudit(t))
	sk.Load([]SkillConfig{{Name: "git", Description: "d"}})

	writeSkill(t, dir, "git", "modified")
	lines, _ := sk.Catalog()
	if len(lines) != 0 {
		t.Errorf("tampered skill still cataloged: %v", lines)
	}
}

func TestSkillsDisabledSkipped(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git", "content")
	disabled := false

	sk := NewSkills(dir, testAudit(t))
	sk.Load([]SkillConfig{{Name: "git", Description: "d", Enabled: &disabled}})
	if lines, _ := sk.Catalog(); len(lines) != 0 {
		t.Errorf("disabled skill loaded: %v", lines)
	}
}

func TestBuilderLayers(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "b.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	st.Memory.Save(ctx, "u1", "preference", "editor", "uses vim")
	st.Memory.Save(ctx, "u1", "project", "castellan", "building the castellan gateway")

	soulPath := writeSoul(t, "I am the soul.")
	soul := NewSoul(soulPath, testAudit(t), nil)
	soul.Load()

	b := NewBuilder(soul, nil, st.Memory)
	out := b.Build(ctx, "u1", "how is castellan going", &TaskState{
		Goal: "refactor", Iteration: 2, MaxIterations: 10, Steps: []string{"done: scan"},
	})

	for _, want := range []string{
		"I am the soul.",
		"What you know about the user",
		"uses vim",
		"Relevant context",
		"castellan gateway",
		"Active task",
		"Iteration 2/10",
		"# Rules",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Identity first, rules last.
	if !strings.HasPrefix(out, "I am the soul.") {
		t.Error("identity is not the first section")
	}
	if !strings.HasSuffix(out, strings.Split(behaviourRules, "\n")[len(strings.Split(behaviourRules, "\n"))-1]) {
		t.Error("rules are not the final section")
	}
}
