package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoggerWritesDatedJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.Log(EventToolCall, "s1", map[string]any{"tool": "read_file"})
	l.Log(EventToolResult, "s1", map[string]any{"ok": true})

	name := "audit-" + time.Now().UTC().Format("2006-01-02") + ".jsonl"
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != EventToolCall || entries[1].Type != EventToolResult {
		t.Errorf("unexpected types: %s, %s", entries[0].Type, entries[1].Type)
	}
	if entries[0].SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", entries[0].SessionID)
	}
}

func TestLoggerMonotonicTimestamps(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	var prev time.Time
	for i := 0; i < 100; i++ {
		l.Log(EventError, "s", nil)
		l.mu.Lock()
		ts := l.lastTS
		l.mu.Unlock()
		if !ts.After(prev) {
			t.Fatalf("timestamp %v not after %v", ts, prev)
		}
		prev = ts
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(EventError, "s", nil) // must not panic
}

func TestNewLoggerRequiresDir(t *testing.T) {
	if _, err := NewLogger(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
