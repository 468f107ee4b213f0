package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castellan-ai/castellan/internal/store"
)

type approvalStore struct {
	pool *pgxpool.Pool
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approvals (id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.SessionID, a.ToolName, a.ToolInput, a.Capability, a.Reason, a.PlanContext, a.Status, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	return a, nil
}

func (s *approvalStore) GetByID(ctx context.Context, id string) (*store.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err == pgx.ErrNoRows {
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
	res, err := s.pool.Exec(ctx, `
		UPDATE approvals SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve: %w", err)
	}
	if res.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrAlreadyResolved
	}
	return s.GetByID(ctx, id)
}

func (s *approvalStore) ExpireStalePending(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	// A single guarded UPDATE ... RETURNING both expires and reports.
	rows, err := s.pool.Query(ctx, `
		UPDATE approvals SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND created_at < $2
		RETURNING id`,
		time.Now().UTC(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("approval: expire stale: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		expired = append(expired, id)
	}
	return expired, rows.Err()
}

func (s *approvalStore) GetRecent(ctx context.Context, limit int) ([]store.Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tool_name, tool_input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals ORDER BY created_at DESC LIMIT $1`, limit)
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

func scanApproval(r pgx.Row) (*store.Approval, error) {
	var a store.Approval
	if err := r.Scan(&a.ID, &a.SessionID, &a.ToolName, &a.ToolInput, &a.Capability,
		&a.Reason, &a.PlanContext, &a.Status, &a.CreatedAt, &a.ResolvedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
