// Package llm implements the provider client for the agent engine.
//
// One provider is active at a time; the configuration can be swapped at
// runtime without restarting. Each provider kind has its own wire adapter
// (request/response shapes, auth header placement). The client performs no
// automatic retries: transient failures surface to the caller, which decides
// whether the conversation should be retried.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ErrorKind classifies provider client failures.
type ErrorKind string

const (
	KindNotConfigured ErrorKind = "not_configured"
	KindTransport     ErrorKind = "transport"
	KindAuth          ErrorKind = "auth"
	KindRateLimited   ErrorKind = "rate_limited"
	KindProvider      ErrorKind = "provider"
)

// Error is the typed failure returned by the client.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotConfigured reports whether err is a missing-credential failure.
func IsNotConfigured(err error) bool {
	var le *Error
	return asError(err, &le) && le.Kind == KindNotConfigured
}

func asError(err error, target **Error) bool {
	for err != nil {
		if le, ok := err.(*Error); ok {
			*target = le
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ProviderConfig describes the active provider.
type ProviderConfig struct {
	ID       string // openai | azure-openai | anthropic | google | ollama
	APIKey   string
	Model    string
	Endpoint string // optional override; each adapter has a default
}

// Client sends chat completions to the configured provider.
type Client struct {
	mu     sync.RWMutex
	cfg    ProviderConfig
	prices *PriceTable
	client *http.Client
}

// NewClient creates a provider client with the given initial configuration.
func NewClient(cfg ProviderConfig) *Client {
	return &Client{
		cfg:    cfg,
		prices: NewPriceTable(),
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Configure swaps the active provider configuration. In-flight requests
// finish against the configuration they started with.
func (c *Client) Configure(cfg ProviderConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	log.Info().Str("provider", cfg.ID).Str("model", cfg.Model).Msg("Provider configuration updated")
}

// Configured reports whether a credential is present. Ollama runs without one.
func (c *Client) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.ID == "ollama" || c.cfg.APIKey != ""
}

// Provider returns the active provider id.
func (c *Client) Provider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.ID
}

// Model returns the active model name.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Model
}

// Prices exposes the model price table.
func (c *Client) Prices() *PriceTable { return c.prices }

// Cost computes the USD cost of the given usage against the active model.
func (c *Client) Cost(usage models.TokenUsage) float64 {
	c.mu.RLock()
	model := c.cfg.Model
	c.mu.RUnlock()
	return c.prices.Cost(model, usage)
}

// Chat sends the transcript to the active provider and returns its reply.
func (c *Client) Chat(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (*models.LLMResponse, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	if cfg.ID != "ollama" && cfg.APIKey == "" {
		return nil, &Error{Kind: KindNotConfigured, Provider: cfg.ID, Message: "no API credential configured"}
	}

	switch cfg.ID {
	case "openai", "azure-openai", "ollama":
		return c.chatOpenAI(ctx, cfg, messages, tools)
	case "anthropic":
		return c.chatAnthropic(ctx, cfg, messages, tools)
	case "google":
		return c.chatGoogle(ctx, cfg, messages, tools)
	default:
		// Unknown kinds speak the OpenAI dialect; most gateways do.
		return c.chatOpenAI(ctx, cfg, messages, tools)
	}
}

// classify maps an HTTP status to an error kind.
func classify(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindProvider
	}
}

func (c *Client) post(ctx context.Context, provider, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: provider, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: provider, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:     classify(resp.StatusCode),
			Provider: provider,
			Status:   resp.StatusCode,
			Message:  truncateBody(respBody),
		}
	}
	return respBody, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// ── OpenAI / Azure OpenAI / Ollama ──────────────────────────

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func toOpenAIMessages(messages []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		om := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []models.ToolDefinition) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		ot := openAITool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		out = append(out, ot)
	}
	return out
}

func (c *Client) chatOpenAI(ctx context.Context, cfg ProviderConfig, messages []models.Message, tools []models.ToolDefinition) (*models.LLMResponse, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		switch cfg.ID {
		case "ollama":
			endpoint = "http://localhost:11434/v1"
		default:
			endpoint = "https://api.openai.com/v1"
		}
	}

	headers := map[string]string{}
	switch cfg.ID {
	case "azure-openai":
		headers["api-key"] = cfg.APIKey
	case "ollama":
		// No auth.
	default:
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	payload := openAIRequest{
		Model:    cfg.Model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}

	body, err := c.post(ctx, cfg.ID, endpoint+"/chat/completions", headers, payload)
	if err != nil {
		return nil, err
	}

	var oaiResp openAIResponse
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, &Error{Kind: KindProvider, Provider: cfg.ID, Message: "decode response", Err: err}
	}

	resp := &models.LLMResponse{
		Provider: cfg.ID,
		Model:    cfg.Model,
		Usage: models.TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	if len(oaiResp.Choices) > 0 {
		msg := oaiResp.Choices[0].Message
		resp.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return resp, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicContent struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropicMessages converts the transcript to the Anthropic block format.
// System messages are hoisted out (Anthropic takes them as a top-level
// field); assistant tool calls become tool_use blocks and tool results
// become user-role tool_result blocks.
func toAnthropicMessages(messages []models.Message) (system string, out []anthropicMessage) {
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case models.RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			if m.Content != "" {
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]interface{}{}
				}
				am.Content = append(am.Content, anthropicContent{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input,
				})
			}
			if len(am.Content) == 0 {
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: ""})
			}
			out = append(out, am)

		case models.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content,
				}},
			})

		default:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}
	}
	return system, out
}

func (c *Client) chatAnthropic(ctx context.Context, cfg ProviderConfig, messages []models.Message, tools []models.ToolDefinition) (*models.LLMResponse, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}

	system, anthMessages := toAnthropicMessages(messages)

	payload := anthropicRequest{
		Model:     cfg.Model,
		System:    system,
		Messages:  anthMessages,
		MaxTokens: 4096,
	}
	for _, t := range tools {
		payload.Tools = append(payload.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	headers := map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}

	body, err := c.post(ctx, cfg.ID, endpoint+"/v1/messages", headers, payload)
	if err != nil {
		return nil, err
	}

	var anthResp anthropicResponse
	if err := json.Unmarshal(body, &anthResp); err != nil {
		return nil, &Error{Kind: KindProvider, Provider: cfg.ID, Message: "decode response", Err: err}
	}

	resp := &models.LLMResponse{
		Provider: cfg.ID,
		Model:    cfg.Model,
		Usage: models.TokenUsage{
			PromptTokens:     anthResp.Usage.InputTokens,
			CompletionTokens: anthResp.Usage.OutputTokens,
			TotalTokens:      anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
	}
	for _, block := range anthResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	return resp, nil
}

// ── Google (Gemini) ─────────────────────────────────────────

type googlePart struct {
	Text             string `json:"text,omitempty"`
	FunctionCall     *googleFunctionCall
	FunctionResponse *googleFunctionResponse
}

type googleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type googleFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

func (p googlePart) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if p.Text != "" {
		m["text"] = p.Text
	}
	if p.FunctionCall != nil {
		m["functionCall"] = p.FunctionCall
	}
	if p.FunctionResponse != nil {
		m["functionResponse"] = p.FunctionResponse
	}
	return json.Marshal(m)
}

func (p *googlePart) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text             string                  `json:"text"`
		FunctionCall     *googleFunctionCall     `json:"functionCall"`
		FunctionResponse *googleFunctionResponse `json:"functionResponse"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Text = raw.Text
	p.FunctionCall = raw.FunctionCall
	p.FunctionResponse = raw.FunctionResponse
	return nil
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	Tools             []struct {
		FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) chatGoogle(ctx context.Context, cfg ProviderConfig, messages []models.Message, tools []models.ToolDefinition) (*models.LLMResponse, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}

	var payload googleRequest
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &googleContent{}
			}
			payload.SystemInstruction.Parts = append(payload.SystemInstruction.Parts, googlePart{Text: m.Content})

		case models.RoleAssistant:
			gc := googleContent{Role: "model"}
			if m.Content != "" {
				gc.Parts = append(gc.Parts, googlePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]interface{}{}
				}
				gc.Parts = append(gc.Parts, googlePart{FunctionCall: &googleFunctionCall{Name: tc.Name, Args: args}})
			}
			payload.Contents = append(payload.Contents, gc)

		case models.RoleTool:
			var result map[string]interface{}
			if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
				result = map[string]interface{}{"output": m.Content}
			}
			payload.Contents = append(payload.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{FunctionResponse: &googleFunctionResponse{Name: m.Name, Response: result}}},
			})

		default:
			payload.Contents = append(payload.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{Text: m.Content}},
			})
		}
	}

	if len(tools) > 0 {
		var decls []map[string]interface{}
		for _, t := range tools {
			decls = append(decls, map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		payload.Tools = append(payload.Tools, struct {
			FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
		}{FunctionDeclarations: decls})
	}

	// Gemini authenticates via a query-string key, not a header.
	reqURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		endpoint, cfg.Model, url.QueryEscape(cfg.APIKey))

	body, err := c.post(ctx, cfg.ID, reqURL, nil, payload)
	if err != nil {
		return nil, err
	}

	var gResp googleResponse
	if err := json.Unmarshal(body, &gResp); err != nil {
		return nil, &Error{Kind: KindProvider, Provider: cfg.ID, Message: "decode response", Err: err}
	}

	resp := &models.LLMResponse{
		Provider: cfg.ID,
		Model:    cfg.Model,
		Usage: models.TokenUsage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
		},
	}
	if len(gResp.Candidates) > 0 {
		for i, part := range gResp.Candidates[0].Content.Parts {
			if part.Text != "" {
				resp.Content += part.Text
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
					ID:        fmt.Sprintf("call_%d", i),
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				})
			}
		}
	}
	return resp, nil
}
