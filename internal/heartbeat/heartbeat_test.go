package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"
)

type firedCall struct {
	name, prompt, channel string
}

type recorder struct {
	mu    sync.Mutex
	calls []firedCall
}

func (r *recorder) fire(_ context.Context, name, prompt, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, firedCall{name, prompt, channel})
}

func (r *recorder) all() []firedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firedCall(nil), r.calls...)
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, err := NewScheduler([]Config{{Name: "bad", Schedule: "not a cron"}}, nil)
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	_, err := NewScheduler([]Config{
		{Name: "x", Schedule: "* * * * *"},
		{Name: "x", Schedule: "* * * * *"},
	}, nil)
	if err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestTickFiresDueHeartbeats(t *testing.T) {
	rec := &recorder{}
	s, err := NewScheduler([]Config{
		{Name: "standup", Schedule: "* * * * *", Prompt: "summarise my day", Enabled: true},
		{Name: "weekly", Schedule: "0 9 * * 1", Prompt: "weekly report", Enabled: true},
	}, rec.fire)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// A Tuesday, 10:30 — every-minute fires, Monday-9am does not.
	now := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	s.Tick(context.Background(), now)

	calls := rec.all()
	if len(calls) != 1 || calls[0].name != "standup" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].prompt != "summarise my day" || calls[0].channel != DefaultChannel {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestDisabledHeartbeatSkipped(t *testing.T) {
	rec := &recorder{}
	s, _ := NewScheduler([]Config{
		{Name: "standup", Schedule: "* * * * *", Prompt: "p", Enabled: false},
	}, rec.fire)

	s.Tick(context.Background(), time.Now().UTC())
	if len(rec.all()) != 0 {
		t.Errorf("disabled heartbeat fired: %+v", rec.all())
	}
}

func TestAtMostOncePerMinute(t *testing.T) {
	rec := &recorder{}
	s, _ := NewScheduler([]Config{
		{Name: "standup", Schedule: "* * * * *", Prompt: "p", Enabled: true},
	}, rec.fire)

	now := time.Date(2026, 3, 10, 10, 30, 5, 0, time.UTC)
	s.Tick(context.Background(), now)
	s.Tick(context.Background(), now.Add(20*time.Second))
	s.Tick(context.Background(), now.Add(time.Minute))

	if got := len(rec.all()); got != 2 {
		t.Errorf("fired %d times, want 2", got)
	}
}

func TestToggle(t *testing.T) {
	rec := &recorder{}
	s, _ := NewScheduler([]Config{
		{Name: "standup", Schedule: "* * * * *", Prompt: "p", Enabled: false},
	}, rec.fire)

	if err := s.Toggle("standup", true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	s.Tick(context.Background(), time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))
	if len(rec.all()) != 1 {
		t.Errorf("enabled heartbeat did not fire")
	}

	if err := s.Toggle("missing", true); err == nil {
		t.Error("Toggle on unknown name succeeded")
	}
}

func TestChannelOverride(t *testing.T) {
	rec := &recorder{}
	s, _ := NewScheduler([]Config{
		{Name: "ops", Schedule: "* * * * *", Prompt: "check disks", Enabled: true, Channel: "ops-room"},
	}, rec.fire)

	s.Tick(context.Background(), time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))
	calls := rec.all()
	if len(calls) != 1 || calls[0].channel != "ops-room" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestListSortedWithStatus(t *testing.T) {
	s, _ := NewScheduler([]Config{
		{Name: "b", Schedule: "* * * * *", Enabled: true},
		{Name: "a", Schedule: "0 9 * * 1", Enabled: false},
	}, func(context.Context, string, string, string) {})

	list := s.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("list = %+v", list)
	}
	if list[1].NextRun.IsZero() {
		t.Error("NextRun not computed")
	}
}
