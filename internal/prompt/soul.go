// Package prompt assembles the layered system prompt: identity, skills,
// memories, relevant context, task state and behaviour rules. The identity
// and skill files are integrity-checked on every read.
package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/store"
)

// FallbackSoul is used whenever the soul file fails verification. It is fixed
// at build time and never contains executor output.
const FallbackSoul = `You are Castellan, a careful personal assistant.
Be honest, be concise, and never take destructive actions without asking.`

// Soul manages the identity file. The hash recorded at load (or at an
// accepted update) is the trust anchor; every read re-verifies against it.
type Soul struct {
	path     string
	audit    *audit.Logger
	versions store.SoulVersionStore

	mu   sync.Mutex
	hash string // hex SHA-256 of trusted content, "" = never loaded
}

func NewSoul(path string, auditLog *audit.Logger, versions store.SoulVersionStore) *Soul {
	return &Soul{path: path, audit: auditLog, versions: versions}
}

// Load reads the file and records its hash as trusted.
func (s *Soul) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("soul: load %s: %w", s.path, err)
	}
	h := hashOf(data)

	s.mu.Lock()
	s.hash = h
	s.mu.Unlock()

	s.audit.Log(audit.EventSoulLoaded, "", map[string]any{"path": s.path, "hash": h})
	slog.Info("soul.loaded", "path", s.path, "hash", h[:12])
	return nil
}

// Content returns the verified soul text. On read failure or hash mismatch it
// audits the tamper and returns the fallback — never an error; the agent must
// keep working with a safe identity.
func (s *Soul) Content() string {
	s.mu.Lock()
	trusted := s.hash
	s.mu.Unlock()
	if trusted == "" {
		return FallbackSoul
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.audit.Log(audit.EventSoulTampered, "", map[string]any{"path": s.path, "error": err.Error()})
		slog.Warn("soul.unreadable", "path", s.path, "error", err)
		return FallbackSoul
	}
	if hashOf(data) != trusted {
		s.audit.Log(audit.EventSoulTampered, "", map[string]any{"path": s.path, "expected": trusted})
		slog.Warn("soul.tampered", "path", s.path)
		return FallbackSoul
	}
	return string(data)
}

// Verify re-checks the file against the trusted hash; used by the fsnotify
// watcher so tampering is audited promptly, not only at next prompt build.
func (s *Soul) Verify() bool {
	s.mu.Lock()
	trusted := s.hash
	s.mu.Unlock()
	if trusted == "" {
		return false
	}
	data, err := os.ReadFile(s.path)
	if err != nil || hashOf(data) != trusted {
		s.audit.Log(audit.EventSoulTampered, "", map[string]any{"path": s.path})
		return false
	}
	return true
}

// ApplyUpdate installs approved soul content: the previous trusted content is
// archived to the version store, then the file is rewritten and re-anchored.
func (s *Soul) ApplyUpdate(ctx context.Context, content string) error {
	prev := s.Content()
	prevHash := hashOf([]byte(prev))
	if s.versions != nil {
		if _, err := s.versions.Append(ctx, prev, prevHash); err != nil {
			return fmt.Errorf("soul: archive version: %w", err)
		}
	}

	if err := os.WriteFile(s.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("soul: write %s: %w", s.path, err)
	}
	newHash := hashOf([]byte(content))

	s.mu.Lock()
	s.hash = newHash
	s.mu.Unlock()

	s.audit.Log(audit.EventSoulUpdated, "", map[string]any{
		"path": s.path, "previousHash": prevHash, "hash": newHash,
	})
	slog.Info("soul.updated", "hash", newHash[:12])
	return nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
