package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/retention"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

func seedAudit(t *testing.T, s *store.MemoryStore, id string, age time.Duration) {
	t.Helper()
	err := s.CreateAuditEntry(context.Background(), &models.AuditEntry{
		ID:        id,
		Action:    models.AuditChatCompleted,
		CreatedAt: time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedJob(t *testing.T, s *store.MemoryStore, id string, status models.JobStatus, age time.Duration) {
	t.Helper()
	ts := time.Now().UTC().Add(-age)
	err := s.CreateJob(context.Background(), &models.Job{
		ID: id, UserID: 7, Status: status, Processor: "chat",
		CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunCycle_PrunesAgedAudit(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	seedAudit(t, s, "old", 100*24*time.Hour)
	seedAudit(t, s, "fresh", time.Hour)

	j := retention.NewJanitor(s, approvals.NewService(s), time.Hour, 90*24*time.Hour, 24*time.Hour)
	stats := j.RunCycle(ctx)
	if stats.AuditPruned != 1 {
		t.Fatalf("AuditPruned = %d, want 1", stats.AuditPruned)
	}

	remaining, err := s.ListAuditEntries(ctx, models.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Errorf("remaining entries = %+v, want only fresh", remaining)
	}
}

func TestRunCycle_PrunesTerminalJobsOnly(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	seedJob(t, s, "done-old", models.JobCompleted, 48*time.Hour)
	seedJob(t, s, "failed-old", models.JobFailed, 48*time.Hour)
	seedJob(t, s, "running-old", models.JobProcessing, 48*time.Hour)
	seedJob(t, s, "done-fresh", models.JobCompleted, time.Hour)

	j := retention.NewJanitor(s, approvals.NewService(s), time.Hour, 90*24*time.Hour, 24*time.Hour)
	stats := j.RunCycle(ctx)
	if stats.JobsPruned != 2 {
		t.Fatalf("JobsPruned = %d, want 2", stats.JobsPruned)
	}

	if _, err := s.GetJob(ctx, "running-old"); err != nil {
		t.Error("aged running job was pruned")
	}
	if _, err := s.GetJob(ctx, "done-fresh"); err != nil {
		t.Error("fresh terminal job was pruned")
	}
	if _, err := s.GetJob(ctx, "done-old"); !store.IsNotFound(err) {
		t.Error("aged terminal job survived")
	}
}

func TestRunCycle_SweepsExpiredApprovals(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	svc := approvals.NewService(s)
	ctx := context.Background()

	// Seeded directly: Create normalizes non-positive TTLs to the default.
	err := s.CreateApproval(ctx, &models.ApprovalItem{
		ID: "expired", AgentID: "assistant", Action: "code_change",
		Reasoning: "expired one", Status: models.ApprovalPending,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, "assistant", "code_change", nil, "live one", time.Hour); err != nil {
		t.Fatal(err)
	}

	j := retention.NewJanitor(s, svc, time.Hour, 0, 0)
	stats := j.RunCycle(ctx)
	if stats.ApprovalsSwept != 1 {
		t.Fatalf("ApprovalsSwept = %d, want 1", stats.ApprovalsSwept)
	}

	remaining, err := svc.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Reasoning != "live one" {
		t.Errorf("remaining approvals = %+v", remaining)
	}
}

func TestRunCycle_ZeroRetentionDisablesSweep(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	seedAudit(t, s, "old", 365*24*time.Hour)
	seedJob(t, s, "done-old", models.JobCompleted, 365*24*time.Hour)

	j := retention.NewJanitor(s, approvals.NewService(s), time.Hour, 0, 0)
	stats := j.RunCycle(ctx)
	if stats.AuditPruned != 0 || stats.JobsPruned != 0 {
		t.Errorf("stats = %+v, want nothing pruned", stats)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	j := retention.NewJanitor(s, approvals.NewService(s), time.Hour, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop on context cancellation")
	}
}
