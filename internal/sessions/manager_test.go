package sessions

import (
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/providers"
)

func TestAppendCapsHistory(t *testing.T) {
	m := NewManager(WithMaxTurns(4))
	for i := 0; i < 10; i++ {
		m.Append("s1", "u1", providers.UserText("msg"))
	}
	h := m.History("s1")
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
}

func TestHistoryIsCopy(t *testing.T) {
	m := NewManager()
	m.Append("s1", "u1", providers.UserText("a"))
	h := m.History("s1")
	h[0] = providers.UserText("mutated")
	if got := m.History("s1")[0].Text(); got != "a" {
		t.Errorf("internal history mutated: %q", got)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	var expired []Info
	m := NewManager(WithTTL(time.Hour), WithOnExpired(func(i Info) { expired = append(expired, i) }))

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Append("old", "u1", providers.UserText("x"))

	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	m.Append("fresh", "u1", providers.UserText("y"))

	m.now = func() time.Time { return base.Add(61 * time.Minute) }
	if n := m.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Errorf("expired hook = %+v", expired)
	}
	if m.History("old") != nil {
		t.Error("old session still present")
	}
	if m.History("fresh") == nil {
		t.Error("fresh session swept")
	}
}

func TestTouchRefreshesTTL(t *testing.T) {
	m := NewManager(WithTTL(time.Hour))
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Append("s1", "u1", providers.UserText("x"))

	m.now = func() time.Time { return base.Add(50 * time.Minute) }
	m.Touch("s1")

	m.now = func() time.Time { return base.Add(70 * time.Minute) }
	if n := m.Sweep(); n != 0 {
		t.Fatalf("swept %d after touch, want 0", n)
	}
}

func TestListFiltersByUser(t *testing.T) {
	m := NewManager()
	m.Append("s1", "u1", providers.UserText("x"))
	m.Append("s2", "u2", providers.UserText("y"))

	if got := m.List("u1"); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("List(u1) = %+v", got)
	}
	if got := m.List(""); len(got) != 2 {
		t.Errorf("List(all) = %d entries", len(got))
	}
}
