// Package taskloop drives multi-step tasks with a bounded, fresh-context
// iteration loop. Each iteration rebuilds the conversation from the original
// request plus compressed plan state, so long tasks never grow a context
// window.
package taskloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-ai/castellan/internal/prompt"
	"github.com/castellan-ai/castellan/internal/providers"
)

// MaxIterations bounds one task execution.
const MaxIterations = 10

// ContinueSentinel marks an assistant reply that wants another iteration.
const ContinueSentinel = "[CONTINUE]"

// Task statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
)

// ErrTaskActive is returned when the user already has a running task.
var ErrTaskActive = errors.New("taskloop: a task is already active for this user")

// ChatFunc is the orchestrator entry the loop drives each iteration.
type ChatFunc func(ctx context.Context, sessionID string, history []providers.Turn, chatID, userID string, task *prompt.TaskState) (string, []providers.Turn, error)

// ProgressFunc reports iteration progress to the user's chat.
type ProgressFunc func(chatID, text string)

// Session is one multi-step task run.
type Session struct {
	ID        string
	UserID    string
	Goal      string
	Status    string
	Iteration int
	Plan      []string
	LastText  string
	CreatedAt time.Time
	UpdatedAt time.Time

	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// Result is the outcome of Execute.
type Result struct {
	Text       string
	SessionID  string
	Iterations int
	Completed  bool
}

// Runner owns the active task table: at most one active Session per user.
type Runner struct {
	chat     ChatFunc
	progress ProgressFunc
	maxIter  int

	mu     sync.Mutex
	active map[string]*Session
}

func NewRunner(chat ChatFunc, progress ProgressFunc) *Runner {
	return &Runner{
		chat:     chat,
		progress: progress,
		maxIter:  MaxIterations,
		active:   make(map[string]*Session),
	}
}

// SetMaxIterations overrides the iteration cap (tests).
func (r *Runner) SetMaxIterations(n int) {
	if n > 0 {
		r.maxIter = n
	}
}

// Active returns the user's active session, nil if none.
func (r *Runner) Active(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[userID]
}

// Stop requests cancellation of the user's active task. The cancel is
// edge-triggered: the task context is cancelled so an in-flight orchestrator
// call aborts at its next suspension point instead of running to completion.
func (r *Runner) Stop(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.active[userID]
	if !ok {
		return false
	}
	s.cancelled.Store(true)
	s.cancel()
	slog.Info("taskloop.stop_requested", "taskId", s.ID, "userId", userID)
	return true
}

// Execute runs one task to completion, cancellation, failure or the
// iteration cap.
func (r *Runner) Execute(ctx context.Context, userID, originalRequest, chatID, auditSessionID string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Goal:      originalRequest,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	r.mu.Lock()
	if existing, ok := r.active[userID]; ok && existing.Status == StatusActive {
		r.mu.Unlock()
		return nil, ErrTaskActive
	}
	r.active[userID] = s
	r.mu.Unlock()
	defer r.release(userID, s)

	slog.Info("taskloop.started", "taskId", s.ID, "userId", userID)

	for s.Iteration < r.maxIter {
		if s.cancelled.Load() || ctx.Err() != nil {
			return r.finish(s, StatusCancelled, false), nil
		}
		s.Iteration++

		state := &prompt.TaskState{
			Goal:          s.Goal,
			Iteration:     s.Iteration,
			MaxIterations: r.maxIter,
			Steps:         append([]string(nil), s.Plan...),
		}

		// Fresh history each iteration: no prior turns carried over.
		history := []providers.Turn{providers.UserText(r.iterationPrompt(s))}

		text, _, err := r.chat(ctx, auditSessionID, history, chatID, userID, state)
		if err != nil {
			// A stop during the chat call surfaces as a context error, not a
			// failure.
			if s.cancelled.Load() || ctx.Err() != nil {
				return r.finish(s, StatusCancelled, false), nil
			}
			r.finish(s, StatusFailed, false)
			return nil, fmt.Errorf("taskloop: iteration %d: %w", s.Iteration, err)
		}
		s.UpdatedAt = time.Now().UTC()

		// Cancellation between the LLM call and the next iteration.
		if s.cancelled.Load() {
			s.LastText = stripSentinel(text)
			return r.finish(s, StatusCancelled, false), nil
		}

		if strings.Contains(text, ContinueSentinel) {
			fragment := stripSentinel(text)
			s.LastText = fragment
			if fragment != "" {
				s.Plan = append(s.Plan, fragment)
			}
			if r.progress != nil {
				r.progress(chatID, fmt.Sprintf("Step %d/%d: %s", s.Iteration, r.maxIter, firstLine(fragment)))
			}
			continue
		}

		s.LastText = text
		return r.finish(s, StatusCompleted, true), nil
	}

	slog.Warn("taskloop.iteration_cap", "taskId", s.ID)
	res := r.finish(s, StatusFailed, false)
	return res, nil
}

func (r *Runner) iterationPrompt(s *Session) string {
	var b strings.Builder
	b.WriteString(s.Goal)
	if len(s.Plan) > 0 {
		b.WriteString("\n\nProgress so far:\n")
		for _, step := range s.Plan {
			b.WriteString("- " + firstLine(step) + "\n")
		}
	}
	b.WriteString("\nIf more steps remain, end your reply with " + ContinueSentinel + ".")
	return b.String()
}

func (r *Runner) finish(s *Session, status string, completed bool) *Result {
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	slog.Info("taskloop.finished", "taskId", s.ID, "status", status, "iterations", s.Iteration)
	return &Result{
		Text:       s.LastText,
		SessionID:  s.ID,
		Iterations: s.Iteration,
		Completed:  completed,
	}
}

func (r *Runner) release(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[userID] == s {
		delete(r.active, userID)
	}
}

func stripSentinel(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, ContinueSentinel, ""))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
