// Package audit records agent activity for later operator review.
//
// The logger never fails its caller: storage errors are logged and the
// entry is dropped. Audit is an observability surface, not a ledger.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// maxMessageRunes bounds how much of a user message lands in the audit log.
const maxMessageRunes = 200

// Logger writes audit entries to the store.
type Logger struct {
	store store.AuditStore
}

// NewLogger creates an audit logger over the given store.
func NewLogger(s store.AuditStore) *Logger {
	return &Logger{store: s}
}

// Truncate caps a message at the audit excerpt length.
func Truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= maxMessageRunes {
		return message
	}
	return string(runes[:maxMessageRunes]) + "..."
}

// Record persists an entry, filling in id and timestamp. Storage failures
// are logged and swallowed.
func (l *Logger) Record(ctx context.Context, entry models.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := l.store.CreateAuditEntry(ctx, &entry); err != nil {
		log.Warn().Err(err).Str("action", entry.Action).Msg("Failed to write audit entry")
	}
}

// ChatStarted records the opening bracket of a conversation turn.
func (l *Logger) ChatStarted(ctx context.Context, agentID, sessionID, message string, identity models.Identity) {
	l.Record(ctx, models.AuditEntry{
		AgentID: agentID,
		Action:  models.AuditChatStarted,
		UserID:  identity.UserID,
		Details: map[string]interface{}{
			"session_id": sessionID,
			"message":    Truncate(message),
		},
	})
}

// ChatCompleted records the closing bracket of a successful turn.
func (l *Logger) ChatCompleted(ctx context.Context, agentID, sessionID string, identity models.Identity, iterations int, toolsUsed []string, usage models.TokenUsage, cost float64) {
	l.Record(ctx, models.AuditEntry{
		AgentID:    agentID,
		Action:     models.AuditChatCompleted,
		UserID:     identity.UserID,
		TokensUsed: usage.TotalTokens,
		Cost:       cost,
		Details: map[string]interface{}{
			"session_id": sessionID,
			"iterations": iterations,
			"tools_used": toolsUsed,
		},
	})
}

// ChatError records an abnormal turn termination.
func (l *Logger) ChatError(ctx context.Context, agentID, sessionID, reason string, identity models.Identity) {
	l.Record(ctx, models.AuditEntry{
		AgentID: agentID,
		Action:  models.AuditChatError,
		UserID:  identity.UserID,
		Details: map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
		},
	})
}

// SecurityBlocked records a blocking decision by the security filter.
// The full rule detail lives here, not in the user-facing rejection.
func (l *Logger) SecurityBlocked(ctx context.Context, code models.RejectCode, rule, message string, identity models.Identity) {
	l.Record(ctx, models.AuditEntry{
		Action: models.AuditSecurityBlock,
		UserID: identity.UserID,
		Details: map[string]interface{}{
			"code":      string(code),
			"rule":      rule,
			"message":   Truncate(message),
			"client_ip": identity.ClientIP,
		},
	})
}

// PIIDetected records a non-blocking PII finding.
func (l *Logger) PIIDetected(ctx context.Context, kinds []models.PIIKind, identity models.Identity) {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	l.Record(ctx, models.AuditEntry{
		Action: models.AuditPIIDetected,
		UserID: identity.UserID,
		Details: map[string]interface{}{
			"kinds": names,
		},
	})
}

// JobLifecycle records a background job status transition.
func (l *Logger) JobLifecycle(ctx context.Context, jobID, processor, status string, identity models.Identity) {
	l.Record(ctx, models.AuditEntry{
		Action:     models.AuditJobLifecycle,
		TargetType: "job",
		TargetID:   jobID,
		UserID:     identity.UserID,
		Details: map[string]interface{}{
			"processor": processor,
			"status":    status,
		},
	})
}

// ToolInvoked records a tool invocation. Written before the tool runs so
// a crashing tool still leaves a trace.
func (l *Logger) ToolInvoked(ctx context.Context, agentID, tool string, args map[string]interface{}, identity models.Identity) {
	l.Record(ctx, models.AuditEntry{
		AgentID:    agentID,
		Action:     models.AuditToolInvoked,
		TargetType: "tool",
		TargetID:   tool,
		UserID:     identity.UserID,
		Details: map[string]interface{}{
			"arguments": args,
		},
	})
}
