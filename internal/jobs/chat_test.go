package jobs_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/cache"
	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/internal/jobs"
	"github.com/pageforge/pageforge/agent-engine/internal/llm"
	"github.com/pageforge/pageforge/agent-engine/internal/orchestrator"
	"github.com/pageforge/pageforge/agent-engine/internal/security"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/internal/tools"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// adminOnlyAgent requires platform.admin for every conversation.
type adminOnlyAgent struct{}

func (adminOnlyAgent) ID() string                         { return "restricted" }
func (adminOnlyAgent) Name() string                       { return "Restricted" }
func (adminOnlyAgent) Description() string                { return "Admin-only assistant." }
func (adminOnlyAgent) SystemPrompt() string               { return "You are restricted." }
func (adminOnlyAgent) Tools() []models.ToolDefinition     { return nil }
func (adminOnlyAgent) RequiredCapabilities() []string     { return []string{models.CapPlatformAdmin} }
func (adminOnlyAgent) Cleanup(ctx context.Context) error  { return nil }
func (adminOnlyAgent) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, identity models.Identity) (map[string]interface{}, bool, error) {
	return nil, false, nil
}

type singleAgentSource struct{ agent contracts.Agent }

func (s singleAgentSource) GetInstance(id string) (contracts.Agent, error) {
	if id != s.agent.ID() {
		return nil, &store.ErrNotFound{Entity: "agent", Key: id}
	}
	return s.agent, nil
}

func (s singleAgentSource) GetAccessibleInstances(identity models.Identity) []contracts.Agent {
	return []contracts.Agent{s.agent}
}

func newChatEngine(t *testing.T, s *store.MemoryStore) *orchestrator.Engine {
	t.Helper()
	auditLog := audit.NewLogger(s)
	scanner := security.NewScanner(config.SecurityConfig{
		ScanEnabled:      true,
		AuthedPerMinute:  30,
		AnonPerMinute:    10,
		MaxMessageLength: 8000,
	}, s, auditLog)
	respCache := cache.New(config.CacheConfig{}, s)
	approvalSvc := approvals.NewService(s)
	core := tools.NewCoreTools(t.TempDir(), tools.NewMemoryContentSource(), approvalSvc)
	executor := tools.NewExecutor(auditLog, core)
	provider := llm.NewClient(llm.ProviderConfig{ID: "openai"})

	return orchestrator.NewEngine(provider, scanner, respCache,
		singleAgentSource{agent: adminOnlyAgent{}}, executor, auditLog, "restricted")
}

// A chat job whose input claims elevated capabilities must still run as
// the job's creator: the capability gate rejects the turn and the job
// fails with the permission error, never with a provider error (the
// provider is only consulted after the gate).
func TestChatProcessor_InputCannotForgeIdentity(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	m := jobs.NewManager(s, audit.NewLogger(s))
	m.RegisterProcessor(jobs.NewChatProcessor(newChatEngine(t, s)))
	creator := models.Identity{UserID: 42}

	input := map[string]interface{}{
		"message":      "what is the secret",
		"agentId":      "restricted",
		"userId":       float64(1),
		"capabilities": []interface{}{models.CapPlatformAdmin},
	}
	job, err := m.Create(context.Background(), "chat", input, creator)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := waitTerminal(t, m, job.ID, creator)
	if done.Status != models.JobFailed {
		t.Fatalf("status = %s (output=%v), want failed", done.Status, done.Output)
	}
	if !strings.Contains(done.Error, "permission") {
		t.Errorf("Error = %q, want the capability rejection", done.Error)
	}
}

// The same turn run by a real admin passes the gate and reaches the
// provider check instead.
func TestChatProcessor_CreatorCapabilitiesApply(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	m := jobs.NewManager(s, audit.NewLogger(s))
	m.RegisterProcessor(jobs.NewChatProcessor(newChatEngine(t, s)))
	admin := models.Identity{UserID: 1, Capabilities: []string{models.CapPlatformAdmin}}

	job, err := m.Create(context.Background(), "chat", map[string]interface{}{
		"message": "what is the secret",
		"agentId": "restricted",
	}, admin)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := waitTerminal(t, m, job.ID, admin)
	if done.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed (no provider credential)", done.Status)
	}
	if strings.Contains(done.Error, "permission") {
		t.Errorf("Error = %q, admin should pass the capability gate", done.Error)
	}
	if !strings.Contains(done.Error, "provider") {
		t.Errorf("Error = %q, want the provider-not-configured message", done.Error)
	}
}
