// Package heartbeat schedules recurring synthetic user turns. Each heartbeat
// is a cron expression plus a prompt; on every due tick the prompt is fed to
// the agent as if the user had typed it, and the reply goes to the
// heartbeat's channel.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultChannel receives heartbeat output when none is configured.
const DefaultChannel = "default"

// Config is one heartbeat definition.
type Config struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // 5-field cron
	Prompt   string `json:"prompt"`
	Enabled  bool   `json:"enabled"`
	Channel  string `json:"channel,omitempty"` // overrides DefaultChannel
}

// Status is the list view of a heartbeat.
type Status struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	Channel  string    `json:"channel"`
	LastRun  time.Time `json:"lastRun,omitzero"`
	NextRun  time.Time `json:"nextRun,omitzero"`
}

// FireFunc runs one heartbeat prompt. The scheduler never inspects the
// outcome; failures are the agent's to log.
type FireFunc func(ctx context.Context, name, prompt, channel string)

type entry struct {
	cfg     Config
	lastRun time.Time
}

// Scheduler owns the heartbeat table and the minute tick loop.
type Scheduler struct {
	fire FireFunc
	cron *gronx.Gronx

	mu      sync.Mutex
	entries map[string]*entry
}

// NewScheduler validates every configured schedule; invalid expressions are
// rejected up front rather than silently never firing.
func NewScheduler(cfgs []Config, fire FireFunc) (*Scheduler, error) {
	s := &Scheduler{
		fire:    fire,
		cron:    gronx.New(),
		entries: make(map[string]*entry, len(cfgs)),
	}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("heartbeat: missing name")
		}
		if !s.cron.IsValid(cfg.Schedule) {
			return nil, fmt.Errorf("heartbeat %q: invalid schedule %q", cfg.Name, cfg.Schedule)
		}
		if _, dup := s.entries[cfg.Name]; dup {
			return nil, fmt.Errorf("heartbeat %q: duplicate name", cfg.Name)
		}
		if cfg.Channel == "" {
			cfg.Channel = DefaultChannel
		}
		s.entries[cfg.Name] = &entry{cfg: cfg}
	}
	return s, nil
}

// Run ticks once per minute until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every enabled heartbeat whose schedule is due at now. A
// heartbeat fires at most once per minute regardless of tick jitter.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Config
	for _, e := range s.entries {
		if !e.cfg.Enabled {
			continue
		}
		if e.lastRun.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			continue
		}
		ok, err := s.cron.IsDue(e.cfg.Schedule, now)
		if err != nil || !ok {
			continue
		}
		e.lastRun = now
		due = append(due, e.cfg)
	}
	s.mu.Unlock()

	for _, cfg := range due {
		slog.Info("heartbeat.fired", "name", cfg.Name, "channel", cfg.Channel)
		s.fire(ctx, cfg.Name, cfg.Prompt, cfg.Channel)
	}
}

// Toggle enables or disables one heartbeat by name.
func (s *Scheduler) Toggle(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("heartbeat: unknown heartbeat %q", name)
	}
	e.cfg.Enabled = enabled
	slog.Info("heartbeat.toggled", "name", name, "enabled", enabled)
	return nil
}

// List returns heartbeat statuses sorted by name.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:     e.cfg.Name,
			Schedule: e.cfg.Schedule,
			Enabled:  e.cfg.Enabled,
			Channel:  e.cfg.Channel,
			LastRun:  e.lastRun,
		}
		if next, err := gronx.NextTick(e.cfg.Schedule, false); err == nil {
			st.NextRun = next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
