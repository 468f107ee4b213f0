// Package store defines the persistent storage contracts for memories,
// approvals and soul versions. The default backend is embedded SQLite with
// FTS; a Postgres backend exists for deployments with an external database.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyResolved is returned when resolving a non-pending approval.
	// Approvals are terminal once they leave pending.
	ErrAlreadyResolved = errors.New("store: approval already resolved")
)

// Memory categories.
const (
	CategoryUser        = "user"
	CategoryPreference  = "preference"
	CategoryProject     = "project"
	CategoryFact        = "fact"
	CategoryEnvironment = "environment"
)

// ValidCategory reports whether c is a known memory category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryUser, CategoryPreference, CategoryProject, CategoryFact, CategoryEnvironment:
		return true
	}
	return false
}

// Memory is one persistent memory row. (userID, category, topic) is unique;
// saving again upserts the content.
type Memory struct {
	ID             string
	UserID         string
	Category       string
	Topic          string
	Content        string
	AccessCount    int
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// MemoryStore is durable per-user memory with full-text search over
// topic + content. Search increments AccessCount once per hit per call.
type MemoryStore interface {
	Save(ctx context.Context, userID, category, topic, content string) (*Memory, error)
	GetByCategory(ctx context.Context, userID, category string) ([]Memory, error)
	Search(ctx context.Context, userID, query string, limit int) ([]Memory, error)
	List(ctx context.Context, userID string) ([]Memory, error)
	DeleteByID(ctx context.Context, userID, id string) error
	DeleteByTopic(ctx context.Context, userID, category, topic string) error
}

// Approval statuses.
const (
	ApprovalPending         = "pending"
	ApprovalApproved        = "approved"
	ApprovalRejected        = "rejected"
	ApprovalSessionApproved = "session-approved"
	ApprovalExpired         = "expired"
)

// Approval is one human-in-the-loop decision record.
type Approval struct {
	ID          string
	SessionID   string
	ToolName    string
	ToolInput   string // serialized JSON
	Capability  string // serialized claims the action would run under
	Reason      string
	PlanContext string
	Status      string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// ApprovalInput is the payload for creating a pending approval.
type ApprovalInput struct {
	SessionID   string
	ToolName    string
	ToolInput   string
	Capability  string
	Reason      string
	PlanContext string
}

// ApprovalStore persists approvals. Resolve fails with ErrAlreadyResolved
// when the row already left pending; expired is only reachable from pending.
type ApprovalStore interface {
	Create(ctx context.Context, in ApprovalInput) (*Approval, error)
	GetByID(ctx context.Context, id string) (*Approval, error)
	Resolve(ctx context.Context, id, status string) (*Approval, error)
	// ExpireStalePending marks pending approvals older than maxAge as expired
	// and returns their ids.
	ExpireStalePending(ctx context.Context, maxAge time.Duration) ([]string, error)
	GetRecent(ctx context.Context, limit int) ([]Approval, error)
}

// SoulVersion is one accepted revision of the identity file.
type SoulVersion struct {
	ID        string
	Content   string
	Hash      string // hex SHA-256 of Content
	CreatedAt time.Time
}

// SoulVersionStore keeps the history of accepted soul updates.
type SoulVersionStore interface {
	Append(ctx context.Context, content, hash string) (*SoulVersion, error)
	Latest(ctx context.Context) (*SoulVersion, error)
	List(ctx context.Context, limit int) ([]SoulVersion, error)
}

// Stores bundles the storage backends the gateway core uses.
type Stores struct {
	Memory       MemoryStore
	Approvals    ApprovalStore
	SoulVersions SoulVersionStore
	Close        func() error
}
