package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-ai/castellan/internal/store"
)

type approvalStore struct {
	db *sql.DB
}

func (s *approvalStore) Create(ctx context.Context, in store.ApprovalInput) (*store.Approval, error) {
	a := &store.Approval{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		ToolName:    in.ToolName,
		ToolInput:   in.ToolInput,
		Capability:  in.Capability,
		Reason:      in.Reason,
		PlanContext: in.PlanContext,
		Status:      store.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.ToolName, a.ToolInput, a.Capability, a.Reason, a.PlanContext, a.Status, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	return a, nil
}

func (s *approvalStore) GetByID(ctx context.Context, id string) (*store.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return a, err
}

func (s *approvalStore) Resolve(ctx context.Context, id, status string) (*store.Approval, error) {
	switch status {
	case store.ApprovalApproved, store.ApprovalRejected, store.ApprovalSessionApproved, store.ApprovalExpired:
	default:
		return nil, fmt.Errorf("approval: invalid resolution status %q", status)
	}

	// Terminal once non-pending: the guard on status makes later resolve
	// calls no-ops at the SQL level.
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrAlreadyResolved
	}
	return s.GetByID(ctx, id)
}

func (s *approvalStore) ExpireStalePending(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM approvals WHERE status = 'pending' AND created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("approval: find stale: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expired []string
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = 'expired', resolved_at = ?
			WHERE id = ? AND status = 'pending'`, now, id)
		if err != nil {
			return expired, fmt.Errorf("approval: expire %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *approvalStore) GetRecent(ctx context.Context, limit int) ([]store.Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("approval: recent: %w", err)
	}
	defer rows.Close()

	var out []store.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanApproval(r rowScanner) (*store.Approval, error) {
	var a store.Approval
	var resolved sql.NullTime
	if err := r.Scan(&a.ID, &a.SessionID, &a.ToolName, &a.ToolInput, &a.Capability,
		&a.Reason, &a.PlanContext, &a.Status, &a.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
