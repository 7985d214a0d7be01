package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/cache"
	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/internal/orchestrator"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/internal/tools"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

// scriptedProvider returns canned responses in order. When loop is set it
// returns that response forever. Every transcript it receives is recorded.
type scriptedProvider struct {
	responses   []*models.LLMResponse
	loop        *models.LLMResponse
	err         error
	costPerCall float64

	calls       int
	transcripts [][]models.Message
	configured  bool
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []models.Message, defs []models.ToolDefinition) (*models.LLMResponse, error) {
	p.calls++
	cp := make([]models.Message, len(messages))
	copy(cp, messages)
	p.transcripts = append(p.transcripts, cp)
	if p.err != nil {
		return nil, p.err
	}
	if p.loop != nil {
		return p.loop, nil
	}
	if p.calls > len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.responses))
	}
	return p.responses[p.calls-1], nil
}

func (p *scriptedProvider) Configured() bool { return p.configured }

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Cost(usage models.TokenUsage) float64 { return p.costPerCall }

// allowAll passes every message through the security gate.
type allowAll struct{ warnings []models.PIIKind }

func (a allowAll) Scan(ctx context.Context, message string, identity models.Identity) models.ScanResult {
	return models.Pass(a.warnings)
}

// rejectAll blocks everything with a fixed reason.
type rejectAll struct{}

func (rejectAll) Scan(ctx context.Context, message string, identity models.Identity) models.ScanResult {
	return models.Reject(models.RejectBannedContent, "This message cannot be processed.")
}

// fakeAgent is an agent with one self-handled tool.
type fakeAgent struct {
	id           string
	capabilities []string
}

func (a *fakeAgent) ID() string                     { return a.id }
func (a *fakeAgent) Name() string                   { return "Fake" }
func (a *fakeAgent) Description() string            { return "test agent" }
func (a *fakeAgent) SystemPrompt() string           { return "You are a test assistant." }
func (a *fakeAgent) RequiredCapabilities() []string { return a.capabilities }

func (a *fakeAgent) Tools() []models.ToolDefinition {
	return []models.ToolDefinition{{
		Name:        "get_time",
		Description: "Return the current time.",
		Parameters:  map[string]interface{}{"type": "object"},
	}}
}

func (a *fakeAgent) ExecuteTool(ctx context.Context, name string, args map[string]interface{}, identity models.Identity) (map[string]interface{}, bool, error) {
	if name == "get_time" {
		return map[string]interface{}{"time": "12:00"}, true, nil
	}
	return nil, false, nil
}

func (a *fakeAgent) Cleanup(ctx context.Context) error { return nil }

// singleAgent resolves exactly one agent.
type singleAgent struct{ agent contracts.Agent }

func (s singleAgent) GetInstance(id string) (contracts.Agent, error) {
	if id != s.agent.ID() {
		return nil, fmt.Errorf("agent %q is not registered", id)
	}
	return s.agent, nil
}

func (s singleAgent) GetAccessibleInstances(identity models.Identity) []contracts.Agent {
	return []contracts.Agent{s.agent}
}

// ── Harness ─────────────────────────────────────────────────

type harness struct {
	engine   *orchestrator.Engine
	provider *scriptedProvider
	store    *store.MemoryStore
}

func newHarness(t *testing.T, provider *scriptedProvider, security contracts.SecurityService, agent contracts.Agent) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	auditLog := audit.NewLogger(s)
	core := tools.NewCoreTools(t.TempDir(), tools.NewMemoryContentSource(), nil)
	executor := tools.NewExecutor(auditLog, core)
	respCache := cache.New(config.CacheConfig{Enabled: true, TTL: time.Hour, MinMessageLen: 3}, s)

	engine := orchestrator.NewEngine(provider, security, respCache, singleAgent{agent}, executor, auditLog, agent.ID())
	return &harness{engine: engine, provider: provider, store: s}
}

func textResponse(content string) *models.LLMResponse {
	return &models.LLMResponse{
		Content: content,
		Usage:   models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(id, name, args string) *models.LLMResponse {
	return &models.LLMResponse{
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: args}},
		Usage:     models.TokenUsage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
	}
}

// ── Tests ───────────────────────────────────────────────────

func TestChat_PlainAnswer(t *testing.T) {
	p := &scriptedProvider{
		responses:   []*models.LLMResponse{textResponse("4")},
		configured:  true,
		costPerCall: 0.01,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "What is 2+2?"}, models.Identity{UserID: 7})
	if result.Error {
		t.Fatalf("Chat() error result: %s", result.Response)
	}
	if result.Response != "4" {
		t.Errorf("Response = %q, want %q", result.Response, "4")
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if len(result.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %v, want empty", result.ToolsUsed)
	}
	if result.TokensUsed != 15 {
		t.Errorf("TokensUsed = %d, want 15", result.TokensUsed)
	}
	if result.Cost != 0.01 {
		t.Errorf("Cost = %v, want 0.01", result.Cost)
	}
}

func TestChat_ToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{
		responses: []*models.LLMResponse{
			toolCallResponse("call_1", "get_time", "{}"),
			textResponse("It is 12:00"),
		},
		configured:  true,
		costPerCall: 0.01,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "What time is it right now?"}, models.Identity{UserID: 7})
	if result.Error {
		t.Fatalf("Chat() error result: %s", result.Response)
	}
	if result.Response != "It is 12:00" {
		t.Errorf("Response = %q", result.Response)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "get_time" {
		t.Errorf("ToolsUsed = %v, want [get_time]", result.ToolsUsed)
	}

	// Cost is the sum over iterations, not the last call's.
	if result.Cost != 0.02 {
		t.Errorf("Cost = %v, want 0.02", result.Cost)
	}
	if result.TokensUsed != 28+15 {
		t.Errorf("TokensUsed = %d, want %d", result.TokensUsed, 28+15)
	}

	// The second transcript must carry the assistant tool-call message
	// followed by a tool result paired by id.
	if len(p.transcripts) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(p.transcripts))
	}
	second := p.transcripts[1]
	last, prev := second[len(second)-1], second[len(second)-2]
	if prev.Role != models.RoleAssistant || len(prev.ToolCalls) != 1 {
		t.Errorf("penultimate message = %+v, want assistant with tool call", prev)
	}
	if last.Role != models.RoleTool || last.ToolCallID != "call_1" || last.Name != "get_time" {
		t.Errorf("final message = %+v, want tool result paired to call_1", last)
	}
	if last.Content == "" {
		t.Error("tool result content is empty")
	}
}

func TestChat_SecurityRejectSkipsProvider(t *testing.T) {
	p := &scriptedProvider{configured: true}
	h := newHarness(t, p, rejectAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "anything"}, models.Identity{UserID: 7})
	if !result.Error {
		t.Fatal("blocked message did not produce an error result")
	}
	if result.Response == "" {
		t.Error("blocked result has no user-facing reason")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times for a blocked message, want 0", p.calls)
	}
}

func TestChat_IterationCap(t *testing.T) {
	p := &scriptedProvider{
		loop:        toolCallResponse("call_x", "get_time", "{}"),
		configured:  true,
		costPerCall: 0.005,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "loop forever please"}, models.Identity{UserID: 7})
	if result.Error {
		t.Fatalf("cap-reached turn reported error: %s", result.Response)
	}
	if result.Iterations != 10 {
		t.Errorf("Iterations = %d, want 10", result.Iterations)
	}
	if p.calls != 10 {
		t.Errorf("provider calls = %d, want 10", p.calls)
	}
	if result.Response == "" {
		t.Error("cap-reached turn returned an empty response")
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "get_time" {
		t.Errorf("ToolsUsed = %v, want deduplicated [get_time]", result.ToolsUsed)
	}
}

func TestChat_ProviderErrorAborts(t *testing.T) {
	p := &scriptedProvider{err: errors.New("upstream 502"), configured: true}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})
	ctx := context.Background()

	result := h.engine.Chat(ctx, models.ChatRequest{Message: "hello there"}, models.Identity{UserID: 7})
	if !result.Error {
		t.Fatal("provider failure did not produce an error result")
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}

	entries, err := h.store.ListAuditEntries(ctx, models.AuditFilter{Action: models.AuditChatError})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("chat_error audit entries = %d, want 1", len(entries))
	}
}

func TestChat_CacheHit(t *testing.T) {
	p := &scriptedProvider{
		responses:  []*models.LLMResponse{textResponse("Cached answer.")},
		configured: true,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})
	ctx := context.Background()
	identity := models.Identity{UserID: 7}
	req := models.ChatRequest{Message: "What is the capital of France?"}

	first := h.engine.Chat(ctx, req, identity)
	if first.Cached {
		t.Fatal("first turn reported cached")
	}
	second := h.engine.Chat(ctx, req, identity)
	if !second.Cached {
		t.Fatal("second identical turn not served from cache")
	}
	if second.Response != "Cached answer." {
		t.Errorf("cached Response = %q", second.Response)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
}

func TestChat_HistoryBypassesCache(t *testing.T) {
	p := &scriptedProvider{
		responses: []*models.LLMResponse{
			textResponse("first"),
			textResponse("second"),
		},
		configured: true,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})
	ctx := context.Background()
	req := models.ChatRequest{
		Message: "And what about now?",
		History: []models.Message{{Role: models.RoleUser, Content: "earlier turn"}},
	}

	h.engine.Chat(ctx, req, models.Identity{UserID: 7})
	result := h.engine.Chat(ctx, req, models.Identity{UserID: 7})
	if result.Cached {
		t.Error("turn with history served from cache")
	}
	if p.calls != 2 {
		t.Errorf("provider calls = %d, want 2", p.calls)
	}
}

func TestChat_CapabilityDenied(t *testing.T) {
	p := &scriptedProvider{configured: true}
	agent := &fakeAgent{id: "assistant", capabilities: []string{models.CapContentEdit}}
	h := newHarness(t, p, allowAll{}, agent)

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "hello there"}, models.Identity{UserID: 7})
	if !result.Error {
		t.Fatal("missing capability did not produce an error result")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times, want 0", p.calls)
	}

	admin := models.Identity{UserID: 1, Capabilities: []string{models.CapPlatformAdmin}}
	p.responses = []*models.LLMResponse{textResponse("ok")}
	if got := h.engine.Chat(context.Background(), models.ChatRequest{Message: "hello there"}, admin); got.Error {
		t.Errorf("admin denied: %s", got.Response)
	}
}

func TestChat_UnknownAgent(t *testing.T) {
	p := &scriptedProvider{configured: true}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "hello", AgentID: "ghost"}, models.Identity{UserID: 7})
	if !result.Error {
		t.Fatal("unknown agent did not produce an error result")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times, want 0", p.calls)
	}
}

func TestChat_ProviderNotConfigured(t *testing.T) {
	p := &scriptedProvider{configured: false}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "hello there"}, models.Identity{UserID: 7})
	if !result.Error {
		t.Fatal("unconfigured provider did not produce an error result")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times, want 0", p.calls)
	}
}

func TestChat_PIIWarningsAttached(t *testing.T) {
	p := &scriptedProvider{
		responses:  []*models.LLMResponse{textResponse("noted")},
		configured: true,
	}
	h := newHarness(t, p, allowAll{warnings: []models.PIIKind{models.PIIEmail}}, &fakeAgent{id: "assistant"})

	result := h.engine.Chat(context.Background(), models.ChatRequest{Message: "my mail is a@b.com"}, models.Identity{UserID: 7})
	if result.Error {
		t.Fatalf("Chat() error result: %s", result.Response)
	}
	if len(result.PIIWarning) != 1 || result.PIIWarning[0] != string(models.PIIEmail) {
		t.Errorf("PIIWarning = %v, want [email]", result.PIIWarning)
	}
}

func TestChat_AuditBracketing(t *testing.T) {
	p := &scriptedProvider{
		responses:  []*models.LLMResponse{textResponse("done")},
		configured: true,
	}
	h := newHarness(t, p, allowAll{}, &fakeAgent{id: "assistant"})
	ctx := context.Background()

	h.engine.Chat(ctx, models.ChatRequest{Message: "audit me please"}, models.Identity{UserID: 7})

	for _, action := range []string{models.AuditChatStarted, models.AuditChatCompleted} {
		entries, err := h.store.ListAuditEntries(ctx, models.AuditFilter{Action: action})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("%s entries = %d, want 1", action, len(entries))
		}
	}
}
