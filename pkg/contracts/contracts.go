// Package contracts defines the service interfaces of the agent engine.
//
// Concrete implementations live under internal/; the interfaces are kept in
// pkg/ so that agent bundles and embedding applications can depend on them
// without importing internal packages, and so the packages that compose them
// (tools, agents, orchestrator, jobs) do not import each other directly.
package contracts

import (
	"context"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so embedding applications can reference it without
// importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Provider Client ─────────────────────────────────────────

// ProviderClient sends chat completions to the configured LLM provider.
// Implementation: internal/llm.Client
type ProviderClient interface {
	// Chat sends the message transcript (with optional tool definitions)
	// and returns the provider's reply.
	Chat(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (*models.LLMResponse, error)

	// Configured reports whether a provider credential is present.
	Configured() bool

	// Provider returns the active provider id (e.g. "openai").
	Provider() string
}

// ── Security Service ────────────────────────────────────────

// SecurityService screens inbound messages before they reach a provider.
// Implementation: internal/security.Scanner
type SecurityService interface {
	// Scan checks rate limits and message content for the given caller.
	// A non-passing result carries a reject code and reason; PII findings
	// ride along on passing results as warnings.
	Scan(ctx context.Context, message string, identity models.Identity) models.ScanResult
}

// ── Response Cache ──────────────────────────────────────────

// ResponseCache stores deterministic chat responses keyed by message,
// agent and privilege bucket.
// Implementation: internal/cache.ResponseCache
type ResponseCache interface {
	// ShouldCache reports whether a response is eligible for storage.
	ShouldCache(message string, result *models.ChatResult) bool

	// Get returns the cached response for the message, if present.
	Get(ctx context.Context, message, agentID string, bucket models.PrivilegeBucket) (*models.CachedResponse, bool)

	// Set stores a response. Failures are logged, never surfaced.
	Set(ctx context.Context, message, agentID string, bucket models.PrivilegeBucket, result *models.ChatResult)

	// ClearAll removes every cached response and returns the count removed.
	ClearAll(ctx context.Context) (int, error)

	// Stats returns hit/miss/set counters since startup.
	Stats() models.CacheStats
}

// ── Agents ──────────────────────────────────────────────────

// Agent is a conversational persona with a tool surface. Bundles provide
// implementations; the registry hands out shared instances.
type Agent interface {
	// ID returns the stable agent identifier (e.g. "content-assistant").
	ID() string

	// Name returns the human-readable display name.
	Name() string

	// Description returns a one-line summary for the agent catalog.
	Description() string

	// SystemPrompt returns the system message prepended to every
	// conversation with this agent.
	SystemPrompt() string

	// Tools returns the tool definitions this agent exposes to the model.
	Tools() []models.ToolDefinition

	// RequiredCapabilities returns the capabilities a caller must hold to
	// converse with this agent. Empty means open to anonymous callers.
	RequiredCapabilities() []string

	// ExecuteTool runs an agent-specific tool. handled reports whether the
	// agent recognized the tool name; unrecognized names fall through to
	// the core tool set.
	ExecuteTool(ctx context.Context, name string, args map[string]interface{}, identity models.Identity) (result map[string]interface{}, handled bool, err error)

	// Cleanup releases any resources held by the agent. Called on
	// deactivation and deletion.
	Cleanup(ctx context.Context) error
}

// AgentSource resolves agents and filters them by caller capability.
// Implementation: internal/agents.Registry
type AgentSource interface {
	// GetInstance returns the shared instance for the agent id.
	GetInstance(id string) (Agent, error)

	// GetAccessibleInstances returns the agents the identity may use.
	GetAccessibleInstances(identity models.Identity) []Agent
}

// PermissionSource answers capability questions about a caller. The engine
// trusts the fronting CMS to populate identities; this interface exists so
// tests and embedders can substitute their own policy.
type PermissionSource interface {
	// Allowed reports whether the identity holds the capability.
	Allowed(identity models.Identity, capability string) bool
}

// ── Jobs ────────────────────────────────────────────────────

// ProgressFunc reports job progress in percent (0-100) with a status note.
type ProgressFunc func(percent int, message string)

// JobProcessor executes one kind of background job.
// Processors are registered by name on the job manager.
type JobProcessor interface {
	// Name returns the processor identifier jobs are dispatched by.
	Name() string

	// Execute runs the job. Input and output are JSON-shaped maps; the
	// progress callback may be called at any cadence. identity is the
	// authenticated creator of the job, captured by the manager at Create
	// time; processors must use it for any permission-sensitive work and
	// never trust identity-shaped fields inside input.
	Execute(ctx context.Context, input map[string]interface{}, identity models.Identity, progress ProgressFunc) (map[string]interface{}, error)
}

// JobService manages asynchronous background jobs.
// Implementation: internal/jobs.Manager
type JobService interface {
	// Create persists a pending job and starts it in the background.
	Create(ctx context.Context, processor string, input map[string]interface{}, identity models.Identity) (*models.Job, error)

	// Get returns a job, enforcing ownership (admins see all).
	Get(ctx context.Context, id string, identity models.Identity) (*models.Job, error)

	// List returns the identity's jobs, optionally filtered by status.
	List(ctx context.Context, status models.JobStatus, identity models.Identity) ([]models.Job, error)

	// Cancel cancels a job that has not started processing yet.
	Cancel(ctx context.Context, id string, identity models.Identity) error

	// Delete removes a terminal job.
	Delete(ctx context.Context, id string, identity models.Identity) error
}

// ── Approvals ───────────────────────────────────────────────

// ApprovalService manages the human-review queue for proposed changes.
// Implementation: internal/approvals.Service
type ApprovalService interface {
	// Create records a pending approval with the given time-to-live.
	Create(ctx context.Context, agentID, action string, params map[string]interface{}, reasoning string, ttl time.Duration) (*models.ApprovalItem, error)

	// Approve resolves a pending item as approved.
	Approve(ctx context.Context, id string, userID int64) (*models.ApprovalItem, error)

	// Reject resolves a pending item as rejected.
	Reject(ctx context.Context, id string, userID int64) (*models.ApprovalItem, error)

	// List returns items, newest first, optionally filtered by status.
	List(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalItem, error)
}
