package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Audit ───────────────────────────────────────────────────

func seedEntries(t *testing.T, s *store.MemoryStore, entries ...models.AuditEntry) {
	t.Helper()
	for i := range entries {
		if err := s.CreateAuditEntry(context.Background(), &entries[i]); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListAuditEntries_FiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedEntries(t, s,
		models.AuditEntry{ID: "1", AgentID: "a", Action: models.AuditChatStarted, UserID: 7, CreatedAt: base},
		models.AuditEntry{ID: "2", AgentID: "a", Action: models.AuditChatCompleted, UserID: 7, CreatedAt: base.Add(time.Minute)},
		models.AuditEntry{ID: "3", AgentID: "b", Action: models.AuditChatStarted, UserID: 8, CreatedAt: base.Add(2 * time.Minute)},
	)

	all, err := s.ListAuditEntries(ctx, models.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "3" || all[2].ID != "1" {
		t.Errorf("order = %s,%s,%s", all[0].ID, all[1].ID, all[2].ID)
	}

	byAgent, _ := s.ListAuditEntries(ctx, models.AuditFilter{AgentID: "a"})
	if len(byAgent) != 2 {
		t.Errorf("AgentID filter = %d entries, want 2", len(byAgent))
	}
	byAction, _ := s.ListAuditEntries(ctx, models.AuditFilter{Action: models.AuditChatCompleted})
	if len(byAction) != 1 || byAction[0].ID != "2" {
		t.Errorf("Action filter = %+v", byAction)
	}
	byUser, _ := s.ListAuditEntries(ctx, models.AuditFilter{UserID: 8})
	if len(byUser) != 1 || byUser[0].ID != "3" {
		t.Errorf("UserID filter = %+v", byUser)
	}

	cutoff := base.Add(90 * time.Second)
	before, _ := s.ListAuditEntries(ctx, models.AuditFilter{Before: &cutoff})
	if len(before) != 2 {
		t.Errorf("Before filter = %d entries, want 2", len(before))
	}
	since, _ := s.ListAuditEntries(ctx, models.AuditFilter{Since: &cutoff})
	if len(since) != 1 || since[0].ID != "3" {
		t.Errorf("Since filter = %+v", since)
	}

	limited, _ := s.ListAuditEntries(ctx, models.AuditFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "3" {
		t.Errorf("Limit = %+v, want newest only", limited)
	}
}

func TestCountAndDeleteAuditEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedEntries(t, s,
		models.AuditEntry{ID: "1", Action: models.AuditChatStarted, CreatedAt: now},
		models.AuditEntry{ID: "2", Action: models.AuditChatStarted, CreatedAt: now},
	)

	n, err := s.CountAuditEntries(ctx, models.AuditFilter{Action: models.AuditChatStarted})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountAuditEntries() = %d, want 2", n)
	}

	if err := s.DeleteAuditEntry(ctx, "1"); err != nil {
		t.Fatalf("DeleteAuditEntry() error = %v", err)
	}
	if err := s.DeleteAuditEntry(ctx, "1"); !store.IsNotFound(err) {
		t.Errorf("second delete = %v, want not found", err)
	}
}

// ─── Approvals ───────────────────────────────────────────────

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := &models.ApprovalItem{
		ID: "ap1", AgentID: "assistant", Action: "code_change",
		Params:    map[string]interface{}{"path": "README.md"},
		Status:    models.ApprovalPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := s.CreateApproval(ctx, item); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	got, err := s.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if got.Action != "code_change" || got.Params["path"] != "README.md" {
		t.Errorf("GetApproval() = %+v", got)
	}

	// Returned copies must not alias the stored row.
	got.Status = models.ApprovalApproved
	again, _ := s.GetApproval(ctx, "ap1")
	if again.Status != models.ApprovalPending {
		t.Error("mutating a returned approval changed the stored row")
	}

	got.Status = models.ApprovalApproved
	if err := s.UpdateApproval(ctx, got); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}
	pending, _ := s.ListApprovals(ctx, models.ApprovalPending, 0)
	if len(pending) != 0 {
		t.Errorf("pending after resolve = %d, want 0", len(pending))
	}

	if err := s.DeleteApproval(ctx, "ap1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetApproval(ctx, "ap1"); !store.IsNotFound(err) {
		t.Errorf("GetApproval(deleted) = %v, want not found", err)
	}
}

// ─── Jobs ────────────────────────────────────────────────────

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &models.Job{
		ID: "j1", UserID: 7, Status: models.JobPending, Processor: "chat",
		Input:     map[string]interface{}{"message": "hi"},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Processor != "chat" || got.Status != models.JobPending {
		t.Errorf("GetJob() = %+v", got)
	}

	got.Progress = 40
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	updated, _ := s.GetJob(ctx, "j1")
	if updated.Progress != 40 {
		t.Errorf("Progress = %d, want 40", updated.Progress)
	}
	if !updated.UpdatedAt.After(now) {
		t.Error("UpdateJob did not refresh UpdatedAt")
	}

	byUser, _ := s.ListJobs(ctx, models.JobFilter{UserID: 7})
	if len(byUser) != 1 {
		t.Errorf("UserID filter = %d jobs, want 1", len(byUser))
	}
	byStatus, _ := s.ListJobs(ctx, models.JobFilter{Status: models.JobCompleted})
	if len(byStatus) != 0 {
		t.Errorf("Status filter = %d jobs, want 0", len(byStatus))
	}

	if err := s.DeleteJob(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJob(ctx, "j1"); !store.IsNotFound(err) {
		t.Errorf("GetJob(deleted) = %v, want not found", err)
	}
}

func TestClaimJob_AtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateJob(ctx, &models.Job{
		ID: "j1", UserID: 7, Status: models.JobPending, Processor: "chat",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	// Many concurrent claimers, exactly one winner.
	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimJob(ctx, "j1")
			if err != nil {
				t.Error(err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("claims won = %d, want exactly 1", won)
	}

	job, _ := s.GetJob(ctx, "j1")
	if job.Status != models.JobProcessing {
		t.Errorf("status after claim = %s, want processing", job.Status)
	}

	if _, err := s.ClaimJob(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("ClaimJob(missing) = %v, want not found", err)
	}
}

func TestCancelJob_OnlyPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateJob(ctx, &models.Job{
		ID: "j1", UserID: 7, Status: models.JobPending, Processor: "chat",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CancelJob(ctx, "j1")
	if err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if !ok {
		t.Fatal("CancelJob(pending) = false, want true")
	}
	job, _ := s.GetJob(ctx, "j1")
	if job.Status != models.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}

	// A second cancellation and a late claim both lose.
	if ok, _ := s.CancelJob(ctx, "j1"); ok {
		t.Error("CancelJob(cancelled) = true")
	}
	if ok, _ := s.ClaimJob(ctx, "j1"); ok {
		t.Error("ClaimJob(cancelled) = true")
	}

	// A claimed job cannot be cancelled through the conditional path.
	if err := s.CreateJob(ctx, &models.Job{
		ID: "j2", UserID: 7, Status: models.JobProcessing, Processor: "chat",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.CancelJob(ctx, "j2"); ok {
		t.Error("CancelJob(processing) = true")
	}

	if _, err := s.CancelJob(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("CancelJob(missing) = %v, want not found", err)
	}
}

// ─── Options ─────────────────────────────────────────────────

func TestOptionStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOption(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("GetOption(missing) = %v, want not found", err)
	}

	if err := s.SetOption(ctx, "agents:active", `["demo"]`); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetOption(ctx, "agents:active")
	if err != nil {
		t.Fatalf("GetOption() error = %v", err)
	}
	if v != `["demo"]` {
		t.Errorf("GetOption() = %q", v)
	}

	// Overwrite, then delete.
	if err := s.SetOption(ctx, "agents:active", `[]`); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOption(ctx, "agents:active"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOption(ctx, "agents:active"); !store.IsNotFound(err) {
		t.Errorf("GetOption(deleted) = %v, want not found", err)
	}
}

// ─── KV Cache ────────────────────────────────────────────────

func TestCacheTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CacheSet(ctx, "k", []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.CacheGet(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("CacheGet() = %v, %v, %v", v, ok, err)
	}
	if string(v) != "v" {
		t.Errorf("value = %q", v)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := s.CacheGet(ctx, "k"); ok {
		t.Error("expired entry still readable")
	}
}

func TestCacheDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CacheSet(ctx, fmt.Sprintf("pf:resp:%d", i), []byte("x"), time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CacheSet(ctx, "pf:rl:u:7", []byte("x"), time.Hour); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CacheDeletePrefix(ctx, "pf:resp:")
	if err != nil {
		t.Fatalf("CacheDeletePrefix() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if _, ok, _ := s.CacheGet(ctx, "pf:rl:u:7"); !ok {
		t.Error("unrelated key removed by prefix delete")
	}
}

func TestCacheIncr_FixedWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.CacheIncr(ctx, "pf:rl:u:7", 40*time.Millisecond)
		if err != nil {
			t.Fatalf("CacheIncr() error = %v", err)
		}
		if n != want {
			t.Errorf("CacheIncr() = %d, want %d", n, want)
		}
	}

	// Window expiry resets the counter to a fresh window.
	time.Sleep(60 * time.Millisecond)
	n, err := s.CacheIncr(ctx, "pf:rl:u:7", 40*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CacheIncr() after window expiry = %d, want 1", n)
	}
}
