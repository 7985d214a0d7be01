// Package orchestrator runs the conversation loop.
//
// One Chat call is one turn: security gate, cache consult, then a bounded
// model/tool loop. The engine is stateless between turns; all context
// travels in the request. Chat never panics past its boundary and always
// returns a well-formed result, using error=true for everything a caller
// can act on.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/tools"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// maxIterations caps the model/tool loop within one turn.
const maxIterations = 10

// capReachedResponse is returned when the cap fires with tool calls still
// pending. Never an empty string: the caller is told the turn was cut.
const capReachedResponse = "I had to stop before finishing: this request needed more tool steps than a single turn allows. The work done so far has been kept; please continue with a follow-up message."

// Provider is the model client the engine drives. Cost converts a usage
// snapshot into USD for the active model.
type Provider interface {
	contracts.ProviderClient
	Cost(usage models.TokenUsage) float64
}

// Engine is the conversation orchestrator.
type Engine struct {
	provider Provider
	security contracts.SecurityService
	cache    contracts.ResponseCache
	agents   contracts.AgentSource
	tools    *tools.Executor
	audit    *audit.Logger

	// defaultAgentID is used when the request names no agent.
	defaultAgentID string
}

// NewEngine wires the orchestrator.
func NewEngine(provider Provider, security contracts.SecurityService, cache contracts.ResponseCache, agents contracts.AgentSource, executor *tools.Executor, auditLog *audit.Logger, defaultAgentID string) *Engine {
	return &Engine{
		provider:       provider,
		security:       security,
		cache:          cache,
		agents:         agents,
		tools:          executor,
		audit:          auditLog,
		defaultAgentID: defaultAgentID,
	}
}

// errResult builds the error-shaped result every failure path returns.
func errResult(agentID, message string) *models.ChatResult {
	return &models.ChatResult{
		Response:  message,
		AgentID:   agentID,
		ToolsUsed: []string{},
		Error:     true,
	}
}

// Chat runs one conversation turn.
func (e *Engine) Chat(ctx context.Context, req models.ChatRequest, identity models.Identity) (out *models.ChatResult) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = e.defaultAgentID
	}

	defer func() {
		// The API boundary contract: no panic escapes a turn.
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Chat turn panicked")
			out = errResult(agentID, "An internal error interrupted this conversation turn.")
		}
	}()

	// Security gate before anything reaches a provider.
	scan := e.security.Scan(ctx, req.Message, identity)
	if !scan.Allowed {
		return errResult(agentID, scan.Reason)
	}
	piiWarnings := make([]string, 0, len(scan.PIIWarnings))
	for _, k := range scan.PIIWarnings {
		piiWarnings = append(piiWarnings, string(k))
	}

	agent, err := e.agents.GetInstance(agentID)
	if err != nil {
		return errResult(agentID, fmt.Sprintf("Agent %q is not available.", agentID))
	}
	for _, cap := range agent.RequiredCapabilities() {
		if !identity.HasCapability(cap) {
			return errResult(agentID, "You do not have permission to use this agent.")
		}
	}

	if !e.provider.Configured() {
		return errResult(agentID, "No AI provider is configured. Add a provider credential in the engine settings.")
	}

	// Cache consult. Only context-free turns are cached, so a non-empty
	// history skips the lookup entirely.
	bucket := models.BucketFor(identity)
	if len(req.History) == 0 {
		if cached, ok := e.cache.Get(ctx, req.Message, agentID, bucket); ok {
			result := cached.Result
			result.Cached = true
			if len(piiWarnings) > 0 {
				result.PIIWarning = piiWarnings
			}
			return &result
		}
	}

	e.audit.ChatStarted(ctx, agentID, req.SessionID, req.Message, identity)

	// System prompt, then caller history verbatim, then the new message.
	messages := make([]models.Message, 0, len(req.History)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: agent.SystemPrompt()})
	messages = append(messages, req.History...)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: req.Message})

	toolDefs := append(e.tools.CoreDefinitions(), agent.Tools()...)

	var usage models.TokenUsage
	var cost float64
	var toolsUsed []string
	iterations := 0

	for iterations < maxIterations {
		iterations++

		resp, err := e.provider.Chat(ctx, messages, toolDefs)
		if err != nil {
			// Provider failures abort the turn; the caller may retry.
			e.audit.ChatError(ctx, agentID, req.SessionID, err.Error(), identity)
			return &models.ChatResult{
				Response:   "The AI provider could not complete this request: " + err.Error(),
				AgentID:    agentID,
				TokensUsed: usage.TotalTokens,
				Cost:       cost,
				ToolsUsed:  dedupe(toolsUsed),
				Iterations: iterations,
				Error:      true,
			}
		}

		// Cost is summed per iteration, not taken from the last call.
		usage.Add(resp.Usage)
		cost += e.provider.Cost(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result := &models.ChatResult{
				Response:   resp.Content,
				AgentID:    agentID,
				TokensUsed: usage.TotalTokens,
				Cost:       cost,
				ToolsUsed:  dedupe(toolsUsed),
				Iterations: iterations,
			}
			if len(piiWarnings) > 0 {
				result.PIIWarning = piiWarnings
			}
			e.audit.ChatCompleted(ctx, agentID, req.SessionID, identity, iterations, result.ToolsUsed, usage, cost)
			if len(req.History) == 0 {
				e.cache.Set(ctx, req.Message, agentID, bucket, result)
			}
			return result
		}

		// Providers reject tool-call messages with a null content field;
		// resp.Content is already "" in that case, appended as-is.
		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute in the order received; results are appended in the same
		// order with a 1:1 id pairing. A failing tool becomes an
		// error-shaped result the model can react to.
		for _, call := range resp.ToolCalls {
			args := parseArgs(call.Arguments)
			result, execErr := e.tools.Execute(ctx, agent, call.Name, args, identity)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    tools.ResultJSON(result, execErr),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			toolsUsed = append(toolsUsed, call.Name)
		}
	}

	// Cap reached with tool calls still pending: degraded, never empty.
	result := &models.ChatResult{
		Response:   capReachedResponse,
		AgentID:    agentID,
		TokensUsed: usage.TotalTokens,
		Cost:       cost,
		ToolsUsed:  dedupe(toolsUsed),
		Iterations: iterations,
	}
	if len(piiWarnings) > 0 {
		result.PIIWarning = piiWarnings
	}
	e.audit.ChatCompleted(ctx, agentID, req.SessionID, identity, iterations, result.ToolsUsed, usage, cost)
	return result
}

// parseArgs decodes a tool-call argument blob. Malformed JSON from the
// model degrades to an empty map; schema validation rejects it properly.
func parseArgs(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}

// dedupe keeps the first occurrence of each tool name, preserving order.
func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
