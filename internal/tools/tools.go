// Package tools implements the tool registry and executor.
//
// Resolution is a two-level lookup: the acting agent's own handler first,
// then the fixed core tool set available to every agent. Every invocation
// is audit-logged before execution so a crashing tool still leaves a trace.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ToolError codes.
const (
	CodeUnknownTool = "unknown_tool"
	CodeInvalidArgs = "invalid_args"
	CodeExecution   = "execution_failed"
	CodeDenied      = "denied"
)

// ToolError is the typed failure for a single tool invocation. The
// orchestrator feeds it back to the model as an error-shaped tool result
// rather than aborting the turn.
type ToolError struct {
	Tool    string
	Code    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Code, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// coreTool binds a definition to its handler.
type coreTool struct {
	def     models.ToolDefinition
	handler func(ctx context.Context, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error)
}

// Executor resolves and runs tools for the orchestrator.
type Executor struct {
	core  map[string]coreTool
	order []string
	audit *audit.Logger
}

// NewExecutor creates an executor with the core tool set registered.
func NewExecutor(auditLog *audit.Logger, core *CoreTools) *Executor {
	e := &Executor{
		core:  make(map[string]coreTool),
		audit: auditLog,
	}
	core.register(e)
	return e
}

// registerCore adds a core tool. Registration order is preserved for
// CoreDefinitions.
func (e *Executor) registerCore(def models.ToolDefinition, handler func(context.Context, map[string]interface{}, models.Identity) (map[string]interface{}, error)) {
	if _, exists := e.core[def.Name]; exists {
		log.Warn().Str("tool", def.Name).Msg("Core tool registered twice, keeping first")
		return
	}
	e.core[def.Name] = coreTool{def: def, handler: handler}
	e.order = append(e.order, def.Name)
}

// CoreDefinitions returns the definitions of the core tool set, in
// registration order. Agents expose these alongside their own tools.
func (e *Executor) CoreDefinitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		defs = append(defs, e.core[name].def)
	}
	return defs
}

// Execute resolves a tool by name and runs it with the given arguments.
// agent may be nil (core-only resolution).
func (e *Executor) Execute(ctx context.Context, agent contracts.Agent, name string, args map[string]interface{}, identity models.Identity) (map[string]interface{}, error) {
	agentID := ""
	if agent != nil {
		agentID = agent.ID()
	}

	// Logged before execution, unconditionally.
	e.audit.ToolInvoked(ctx, agentID, name, args, identity)

	if def, ok := e.definitionFor(agent, name); ok {
		if err := validateArgs(def, args); err != nil {
			return nil, &ToolError{Tool: name, Code: CodeInvalidArgs, Message: err.Error(), Err: err}
		}
	}

	// Agent-declared handlers win over the core set.
	if agent != nil {
		result, handled, err := agent.ExecuteTool(ctx, name, args, identity)
		if handled {
			if err != nil {
				return nil, &ToolError{Tool: name, Code: CodeExecution, Message: err.Error(), Err: err}
			}
			if result != nil {
				return result, nil
			}
			// A handled call with a nil result falls through to core.
		}
	}

	ct, ok := e.core[name]
	if !ok {
		return nil, &ToolError{Tool: name, Code: CodeUnknownTool, Message: "no handler for tool"}
	}

	result, err := ct.handler(ctx, args, identity)
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			return nil, te
		}
		return nil, &ToolError{Tool: name, Code: CodeExecution, Message: err.Error(), Err: err}
	}
	return result, nil
}

// definitionFor finds the schema to validate against: the agent's own
// definition shadows a core one of the same name.
func (e *Executor) definitionFor(agent contracts.Agent, name string) (models.ToolDefinition, bool) {
	if agent != nil {
		for _, def := range agent.Tools() {
			if def.Name == name {
				return def, true
			}
		}
	}
	if ct, ok := e.core[name]; ok {
		return ct.def, true
	}
	return models.ToolDefinition{}, false
}

// validateArgs checks the argument map against the tool's JSON schema.
func validateArgs(def models.ToolDefinition, args map[string]interface{}) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.Parameters),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// A broken schema is a registration bug, not a caller error.
		log.Warn().Err(err).Str("tool", def.Name).Msg("Tool schema failed to load, skipping validation")
		return nil
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
}

// ResultJSON serializes a tool result (or error) for the tool-role message
// fed back to the model.
func ResultJSON(result map[string]interface{}, err error) string {
	if err != nil {
		payload := map[string]interface{}{"error": err.Error()}
		if te, ok := err.(*ToolError); ok {
			payload["code"] = te.Code
		}
		raw, _ := json.Marshal(payload)
		return string(raw)
	}
	raw, jerr := json.Marshal(result)
	if jerr != nil {
		return `{"error":"result not serializable"}`
	}
	return string(raw)
}
