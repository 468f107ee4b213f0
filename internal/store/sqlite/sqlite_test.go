package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMemoryUpsert(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	m1, err := st.Memory.Save(ctx, "u1", store.CategoryPreference, "editor", "uses vim")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2, err := st.Memory.Save(ctx, "u1", store.CategoryPreference, "editor", "uses helix now")
	if err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	if m2.ID != m1.ID {
		t.Errorf("upsert changed id: %s → %s", m1.ID, m2.ID)
	}
	if m2.Content != "uses helix now" {
		t.Errorf("content = %q", m2.Content)
	}

	all, err := st.Memory.GetByCategory(ctx, "u1", store.CategoryPreference)
	if err != nil {
		t.Fatalf("GetByCategory: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d rows after upsert, want 1", len(all))
	}
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	a, _ := st.Memory.Save(ctx, "u1", store.CategoryFact, "birthday", "march 3")
	b, err := st.Memory.Save(ctx, "u1", store.CategoryFact, "birthday", "march 3")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.ID != b.ID || a.Content != b.Content || !a.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("identical save not idempotent: %+v vs %+v", a, b)
	}
}

func TestMemoryInvalidCategory(t *testing.T) {
	st := openTestStores(t)
	if _, err := st.Memory.Save(context.Background(), "u1", "bogus", "t", "c"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestMemorySearchIncrementsAccessCount(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	st.Memory.Save(ctx, "u1", store.CategoryProject, "gateway", "working on the castellan gateway")
	st.Memory.Save(ctx, "u1", store.CategoryFact, "coffee", "drinks espresso")
	st.Memory.Save(ctx, "u2", store.CategoryProject, "gateway", "someone else's gateway")

	hits, err := st.Memory.Search(ctx, "u1", "gateway", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (user scoping)", len(hits))
	}
	if hits[0].AccessCount != 1 {
		t.Errorf("accessCount = %d, want 1", hits[0].AccessCount)
	}

	hits, err = st.Memory.Search(ctx, "u1", "gateway", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].AccessCount != 2 {
		t.Errorf("accessCount after second search = %d, want 2", hits[0].AccessCount)
	}
}

func TestMemorySearchInjectionSafe(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()
	st.Memory.Save(ctx, "u1", store.CategoryFact, "x", "y")

	// FTS syntax in the query must not error out.
	if _, err := st.Memory.Search(ctx, "u1", `"unbalanced OR (NEAR`, 5); err != nil {
		t.Fatalf("Search with hostile query: %v", err)
	}
	if hits, _ := st.Memory.Search(ctx, "u1", "   ", 5); hits != nil {
		t.Errorf("blank query returned hits: %v", hits)
	}
}

func TestMemoryDelete(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	m, _ := st.Memory.Save(ctx, "u1", store.CategoryFact, "t1", "c1")
	if err := st.Memory.DeleteByID(ctx, "u2", m.ID); err != store.ErrNotFound {
		t.Errorf("cross-user delete: err = %v, want ErrNotFound", err)
	}
	if err := st.Memory.DeleteByID(ctx, "u1", m.ID); err != nil {
		t.Errorf("DeleteByID: %v", err)
	}
	if err := st.Memory.DeleteByTopic(ctx, "u1", store.CategoryFact, "t1"); err != store.ErrNotFound {
		t.Errorf("delete gone topic: err = %v, want ErrNotFound", err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	a, err := st.Approvals.Create(ctx, store.ApprovalInput{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		ToolInput: `{"command":"rm -rf /"}`,
		Reason:    "cleanup",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Status != store.ApprovalPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}

	r, err := st.Approvals.Resolve(ctx, a.ID, store.ApprovalRejected)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Status != store.ApprovalRejected || r.ResolvedAt == nil {
		t.Errorf("resolved = %+v", r)
	}

	// Terminal once non-pending.
	if _, err := st.Approvals.Resolve(ctx, a.ID, store.ApprovalApproved); err != store.ErrAlreadyResolved {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	got, _ := st.Approvals.GetByID(ctx, a.ID)
	if got.Status != store.ApprovalRejected {
		t.Errorf("status changed after second resolve: %s", got.Status)
	}
	if !got.ResolvedAt.Equal(*r.ResolvedAt) {
		t.Errorf("resolvedAt changed after second resolve")
	}
}

func TestApprovalResolveValidation(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()
	a, _ := st.Approvals.Create(ctx, store.ApprovalInput{SessionID: "s", ToolName: "t", ToolInput: "{}"})

	if _, err := st.Approvals.Resolve(ctx, a.ID, "pending"); err == nil {
		t.Error("resolving to pending should fail")
	}
	if _, err := st.Approvals.Resolve(ctx, "missing", store.ApprovalApproved); err != store.ErrNotFound {
		t.Errorf("resolve missing: err = %v, want ErrNotFound", err)
	}
}

func TestExpireStalePending(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	stale, _ := st.Approvals.Create(ctx, store.ApprovalInput{SessionID: "s", ToolName: "t", ToolInput: "{}"})
	fresh, _ := st.Approvals.Create(ctx, store.ApprovalInput{SessionID: "s", ToolName: "t", ToolInput: "{}"})

	// Backdate the first row.
	sdb := st.Approvals.(*approvalStore)
	if _, err := sdb.db.Exec(`UPDATE approvals SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-10*time.Minute), stale.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	ids, err := st.Approvals.ExpireStalePending(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ExpireStalePending: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("expired = %v, want [%s]", ids, stale.ID)
	}

	got, _ := st.Approvals.GetByID(ctx, stale.ID)
	if got.Status != store.ApprovalExpired || got.ResolvedAt == nil {
		t.Errorf("stale approval = %+v", got)
	}
	got, _ = st.Approvals.GetByID(ctx, fresh.ID)
	if got.Status != store.ApprovalPending {
		t.Errorf("fresh approval expired: %s", got.Status)
	}
}

func TestGetRecentOrder(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	first, _ := st.Approvals.Create(ctx, store.ApprovalInput{SessionID: "s", ToolName: "a", ToolInput: "{}"})
	sdb := st.Approvals.(*approvalStore)
	sdb.db.Exec(`UPDATE approvals SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), first.ID)
	st.Approvals.Create(ctx, store.ApprovalInput{SessionID: "s", ToolName: "b", ToolInput: "{}"})

	recent, err := st.Approvals.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 2 || recent[0].ToolName != "b" {
		t.Errorf("recent order wrong: %+v", recent)
	}
}

func TestSoulVersions(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	if _, err := st.SoulVersions.Latest(ctx); err != store.ErrNotFound {
		t.Errorf("empty Latest err = %v, want ErrNotFound", err)
	}

	st.SoulVersions.Append(ctx, "v1", "hash1")
	sdb := st.SoulVersions.(*soulStore)
	sdb.db.Exec(`UPDATE soul_versions SET created_at = ?`, time.Now().UTC().Add(-time.Hour))
	st.SoulVersions.Append(ctx, "v2", "hash2")

	latest, err := st.SoulVersions.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Content != "v2" {
		t.Errorf("latest = %q, want v2", latest.Content)
	}

	all, _ := st.SoulVersions.List(ctx, 10)
	if len(all) != 2 {
		t.Errorf("List returned %d, want 2", len(all))
	}
}
