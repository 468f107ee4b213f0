package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/castellan-ai/castellan/internal/audit"
)

// DefaultInlineBudget caps the characters of alwaysLoad skill content inlined
// into the system prompt.
const DefaultInlineBudget = 6000

// Skill is one loaded skill file.
type Skill struct {
	Name        string
	Description string
	AlwaysLoad  bool

	path    string
	hash    string
	content string
}

// SkillConfig selects and annotates skills from the skills directory.
type SkillConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled,omitempty"` // nil = enabled
	AlwaysLoad  bool   `json:"alwaysLoad,omitempty"`
}

// Skills manages the skills directory with per-file integrity anchors.
type Skills struct {
	dir          string
	audit        *audit.Logger
	inlineBudget int

	mu     sync.Mutex
	loaded []Skill
}

func NewSkills(dir string, auditLog *audit.Logger) *Skills {
	return &Skills{dir: dir, audit: auditLog, inlineBudget: DefaultInlineBudget}
}

// SetInlineBudget overrides the alwaysLoad character budget.
func (s *Skills) SetInlineBudget(n int) {
	if n > 0 {
		s.inlineBudget = n
	}
}

// Load scans the directory for the configured skills. Each skill is a file
// `{name}.md`. Symlinks are rejected so the scan cannot escape the directory.
func (s *Skills) Load(configs []SkillConfig) error {
	var loaded []Skill

	for _, cfg := range configs {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		path := filepath.Join(s.dir, cfg.Name+".md")

		info, err := os.Lstat(path)
		if err != nil {
			slog.Warn("skills.missing", "skill", cfg.Name, "path", path)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			s.audit.Log(audit.EventSkillTampered, "", map[string]any{
				"skill": cfg.Name, "path": path, "reason": "symlink",
			})
			slog.Warn("skills.symlink_rejected", "skill", cfg.Name, "path", path)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("skills: read %s: %w", path, err)
		}

		loaded = append(loaded, Skill{
			Name:        cfg.Name,
			Description: cfg.Description,
			AlwaysLoad:  cfg.AlwaysLoad,
			path:        path,
			hash:        hashOf(data),
			content:     string(data),
		})
		s.audit.Log(audit.EventSkillLoaded, "", map[string]any{"skill": cfg.Name, "path": path})
	}

	s.mu.Lock()
	s.loaded = loaded
	s.mu.Unlock()
	slog.Info("skills.loaded", "count", len(loaded))
	return nil
}

// Catalog returns the catalog lines and the inlined alwaysLoad content.
// Skills failing re-verification are skipped and audited.
func (s *Skills) Catalog() (lines []string, inline string) {
	s.mu.Lock()
	skills := make([]Skill, len(s.loaded))
	copy(skills, s.loaded)
	s.mu.Unlock()

	budget := s.inlineBudget
	var inlined []string

	for _, sk := range skills {
		data, err := os.ReadFile(sk.path)
		if err != nil || hashOf(data) != sk.hash {
			s.audit.Log(audit.EventSkillTampered, "", map[string]any{"skill": sk.Name, "path": sk.path})
			slog.Warn("skills.tampered", "skill", sk.Name)
			continue
		}

		lines = append(lines, fmt.Sprintf("- %s: %s", sk.Name, sk.Description))
		if sk.AlwaysLoad && budget > 0 {
			content := sk.content
			if len(content) > budget {
				content = content[:budget]
			}
			budget -= len(content)
			inlined = append(inlined, fmt.Sprintf("## Skill: %s\n%s", sk.Name, content))
		}
	}
	return lines, strings.Join(inlined, "\n\n")
}

// Verify re-checks every loaded skill; used by the fsnotify watcher.
func (s *Skills) Verify() {
	s.mu.Lock()
	skills := make([]Skill, len(s.loaded))
	copy(skills, s.loaded)
	s.mu.Unlock()

	for _, sk := range skills {
		data, err := os.ReadFile(sk.path)
		if err != nil || hashOf(data) != sk.hash {
			s.audit.Log(audit.EventSkillTampered, "", map[string]any{"skill": sk.Name, "path": sk.path})
		}
	}
}
