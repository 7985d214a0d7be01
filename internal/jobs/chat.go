package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pageforge/pageforge/agent-engine/internal/orchestrator"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// chatInput is the JSON shape a background chat job expects. The turn runs
// under the identity of the user who created the job; identity-shaped
// fields in the input carry no weight.
type chatInput struct {
	Message   string           `json:"message"`
	AgentID   string           `json:"agentId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	History   []models.Message `json:"history,omitempty"`
}

// ChatProcessor runs a full conversation turn as a background job, for
// requests expected to outlive an HTTP timeout.
type ChatProcessor struct {
	engine *orchestrator.Engine
}

// NewChatProcessor wraps the orchestrator as a job processor.
func NewChatProcessor(engine *orchestrator.Engine) *ChatProcessor {
	return &ChatProcessor{engine: engine}
}

func (p *ChatProcessor) Name() string { return "chat" }

// Execute decodes the chat payload and runs the turn as the job's creator.
// A turn that ends in an error result fails the job so the error lands in
// the job's error field.
func (p *ChatProcessor) Execute(ctx context.Context, input map[string]interface{}, identity models.Identity, progress contracts.ProgressFunc) (map[string]interface{}, error) {
	var in chatInput
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode chat input: %w", err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode chat input: %w", err)
	}
	if in.Message == "" {
		return nil, fmt.Errorf("chat job requires a message")
	}

	progress(10, "conversation started")

	result := p.engine.Chat(ctx, models.ChatRequest{
		Message:   in.Message,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		History:   in.History,
	}, identity)

	progress(90, "conversation finished")

	if result.Error {
		return nil, fmt.Errorf("%s", result.Response)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode chat result: %w", err)
	}
	var output map[string]interface{}
	if err := json.Unmarshal(out, &output); err != nil {
		return nil, fmt.Errorf("decode chat result: %w", err)
	}
	return output, nil
}
