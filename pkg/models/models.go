// Package models defines the domain and wire types shared across the
// PageForge agent engine: conversation messages, tool definitions, scan
// results, audit entries, approvals, and background jobs.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// ParseSemver splits a "major.minor.patch" string. Returns (0,0,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) < 2 {
		return 0, 0, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	if len(parts) == 3 {
		// Tolerate suffixes like "1.22.3-rc1" or go's "1.22rc1"
		num := parts[2]
		if i := strings.IndexFunc(num, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
			num = num[:i]
		}
		patch, _ = strconv.Atoi(num)
	}
	return
}

// CompareSemver returns -1, 0 or 1 comparing a against b.
func CompareSemver(a, b string) int {
	am, an, ap := ParseSemver(a)
	bm, bn, bp := ParseSemver(b)
	av := am*1_000_000 + an*1_000 + ap
	bv := bm*1_000_000 + bn*1_000 + bp
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// ── Conversation ─────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation turn. Content is always a string;
// providers that emit a null content field for tool-call messages are
// normalized to "" by the provider client.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON argument blob exactly as the provider emitted it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool: name, human description and a
// JSON-schema parameter object. Immutable after registration.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// TokenUsage carries the token counts and estimated cost of one or more
// model calls.
type TokenUsage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Add accumulates usage from a single model call into the receiver.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.EstimatedCost += other.EstimatedCost
}

// LLMResponse is the provider-agnostic shape every wire adapter normalizes
// into: assistant text (possibly empty), ordered tool calls, and usage.
type LLMResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
}

// ── Chat Wire Format ─────────────────────────────────────────

// ChatRequest is the inbound chat payload from the CMS front end.
type ChatRequest struct {
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	History   []Message `json:"history"`
}

// ChatResult is the outbound chat payload. Cost is the sum of the
// per-iteration estimated costs across every model call in the turn.
type ChatResult struct {
	Response   string   `json:"response"`
	AgentID    string   `json:"agentId"`
	TokensUsed int64    `json:"tokensUsed"`
	Cost       float64  `json:"cost"`
	ToolsUsed  []string `json:"toolsUsed"`
	Iterations int      `json:"iterations"`
	Error      bool     `json:"error,omitempty"`
	Cached     bool     `json:"cached,omitempty"`
	PIIWarning []string `json:"piiWarning,omitempty"`
}

// ── Identity & Privilege ─────────────────────────────────────

// Well-known capability tokens granted by the CMS.
const (
	CapPlatformAdmin = "platform.admin"
	CapContentEdit   = "content.edit"
	CapContentRead   = "content.read"
)

// Identity describes the requester as asserted by the trusted CMS front
// end. UserID 0 means anonymous.
type Identity struct {
	UserID       int64    `json:"user_id"`
	ClientIP     string   `json:"client_ip,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (id Identity) Anonymous() bool { return id.UserID == 0 }

// HasCapability reports whether the identity holds the given capability.
// Platform admins implicitly hold every capability.
func (id Identity) HasCapability(cap string) bool {
	for _, c := range id.Capabilities {
		if c == cap || c == CapPlatformAdmin {
			return true
		}
	}
	return false
}

// PrivilegeBucket is a coarse privilege classification used to partition
// cache entries without leaking content across permission boundaries.
type PrivilegeBucket string

const (
	BucketAnonymous PrivilegeBucket = "anonymous"
	BucketUser      PrivilegeBucket = "user"
	BucketEditor    PrivilegeBucket = "editor"
	BucketAdmin     PrivilegeBucket = "admin"
)

// BucketFor maps an identity to its privilege bucket. Deliberately coarse:
// the literal role set is not used, only the tier.
func BucketFor(id Identity) PrivilegeBucket {
	switch {
	case id.HasCapability(CapPlatformAdmin):
		return BucketAdmin
	case id.HasCapability(CapContentEdit):
		return BucketEditor
	case !id.Anonymous():
		return BucketUser
	default:
		return BucketAnonymous
	}
}

// ── Security Scan ────────────────────────────────────────────

type RejectCode string

const (
	RejectBannedContent RejectCode = "banned_content"
	RejectInvalidFormat RejectCode = "invalid_format"
	RejectRateLimited   RejectCode = "rate_limited"
	RejectCustomRule    RejectCode = "custom_rule"
)

// PIIKind labels a category of personally identifiable information
// detected in a message. Detections warn, they never block.
type PIIKind string

const (
	PIICreditCard PIIKind = "credit_card"
	PIISSN        PIIKind = "ssn"
	PIIEmail      PIIKind = "email"
	PIIPhone      PIIKind = "phone"
	PIIAPIKey     PIIKind = "api_key"
	PIIPassword   PIIKind = "password"
)

// ScanResult is the outcome of the pre-flight security filter.
// When Allowed is false, Code and Reason carry the (deliberately generic)
// user-facing rejection; the full detail lives in the audit log only.
type ScanResult struct {
	Allowed     bool       `json:"allowed"`
	Code        RejectCode `json:"code,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Rule        string     `json:"-"`
	PIIWarnings []PIIKind  `json:"pii_warnings,omitempty"`
}

// Pass builds an allowed scan result carrying PII warnings.
func Pass(warnings []PIIKind) ScanResult {
	return ScanResult{Allowed: true, PIIWarnings: warnings}
}

// Reject builds a blocked scan result.
func Reject(code RejectCode, reason string) ScanResult {
	return ScanResult{Allowed: false, Code: code, Reason: reason}
}

// ── Audit ────────────────────────────────────────────────────

// Audit action kinds recorded by the engine.
const (
	AuditChatStarted    = "chat_started"
	AuditChatCompleted  = "chat_completed"
	AuditChatError      = "chat_error"
	AuditToolInvoked    = "tool_invoked"
	AuditSecurityBlock  = "security_block"
	AuditPIIDetected    = "pii_detected"
	AuditAgentLifecycle = "agent_lifecycle"
	AuditJobLifecycle   = "job_lifecycle"
	AuditCacheCleared   = "cache_cleared"
	AuditProviderConfig = "provider_configured"
)

// AuditEntry is an immutable, append-only record of a significant
// operation. Entries are never mutated; retention pruning is the only
// deletion path.
type AuditEntry struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"target_type,omitempty"`
	TargetID   string                 `json:"target_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	TokensUsed int64                  `json:"tokens_used,omitempty"`
	Cost       float64                `json:"cost,omitempty"`
	UserID     int64                  `json:"user_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	AgentID string
	Action  string
	UserID  int64
	Before  *time.Time
	Since   *time.Time
	Limit   int
}

// ── Approvals ────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalItem is a queued side-effecting action awaiting human sign-off.
// It transitions pending→approved or pending→rejected exactly once.
type ApprovalItem struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	Action     string                 `json:"action"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	Status     ApprovalStatus         `json:"status"`
	ApprovedBy int64                  `json:"approved_by,omitempty"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

// Expired reports whether a still-pending item has passed its expiry.
func (a *ApprovalItem) Expired(now time.Time) bool {
	return a.Status == ApprovalPending && now.After(a.ExpiresAt)
}

// ── Jobs ─────────────────────────────────────────────────────

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a durable, pollable unit of asynchronous work. Progress is
// monotonically non-decreasing while status is processing.
type Job struct {
	ID            string                 `json:"id"`
	UserID        int64                  `json:"user_id"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Status        JobStatus              `json:"status"`
	Progress      int                    `json:"progress"`
	StatusMessage string                 `json:"status_message,omitempty"`
	Processor     string                 `json:"processor"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// JobFilter narrows job queries.
type JobFilter struct {
	UserID int64
	Status JobStatus
	Before *time.Time
	Limit  int
}

// ── Agent Bundles ────────────────────────────────────────────

// ManifestTool is a tool declaration inside a bundle manifest. Parameters
// is a JSON-schema object, same shape as ToolDefinition.Parameters.
type ManifestTool struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description" json:"description"`
	Parameters  map[string]interface{} `yaml:"parameters" json:"parameters"`
}

// AgentManifest is the parsed header block of an agent bundle
// (bundle.yaml). Discovery builds a catalog of these without loading any
// agent code.
type AgentManifest struct {
	Slug                 string         `yaml:"slug" json:"slug"`
	Name                 string         `yaml:"name" json:"name"`
	Version              string         `yaml:"version" json:"version"`
	Description          string         `yaml:"description" json:"description"`
	Author               string         `yaml:"author" json:"author"`
	Icon                 string         `yaml:"icon" json:"icon,omitempty"`
	Category             string         `yaml:"category" json:"category,omitempty"`
	MinEngineVersion     string         `yaml:"min_engine_version" json:"min_engine_version,omitempty"`
	MinRuntimeVersion    string         `yaml:"min_runtime_version" json:"min_runtime_version,omitempty"`
	RequiredCapabilities []string       `yaml:"required_capabilities" json:"required_capabilities,omitempty"`
	SystemPrompt         string         `yaml:"system_prompt" json:"system_prompt"`
	Tools                []ManifestTool `yaml:"tools" json:"tools,omitempty"`
	SuggestedPrompts     []string       `yaml:"suggested_prompts" json:"suggested_prompts,omitempty"`
}

// Validate checks the fields a manifest cannot do without.
func (m *AgentManifest) Validate() error {
	if m.Slug == "" {
		return fmt.Errorf("manifest missing slug")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %s missing name", m.Slug)
	}
	if m.SystemPrompt == "" {
		return fmt.Errorf("manifest %s missing system_prompt", m.Slug)
	}
	return nil
}

// ── Cache ────────────────────────────────────────────────────

// CachedResponse wraps a stored chat result with its write timestamp.
type CachedResponse struct {
	Result   ChatResult `json:"result"`
	CachedAt time.Time  `json:"cached_at"`
}

// CacheStats is the operator-visibility counter set for the response cache.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Refused int64 `json:"refused"`
	Cleared int64 `json:"cleared"`
}
