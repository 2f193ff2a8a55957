package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/superglue-ai/superglue-sub011/core"
)

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint. Its
// base URL and API key are resolved by provider.go's alias machinery, so the
// same implementation serves OpenAI itself and the OpenAI-compatible
// providers (DeepSeek, Groq, xAI, Together, Qwen, Ollama) behind one
// LLMClient surface.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
	telemetry  core.Telemetry
}

var _ LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client against the default OpenAI endpoint.
func NewOpenAIClient(apiKey string, logger core.Logger) *OpenAIClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      "gpt-4o",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		telemetry:  &core.NoOpTelemetry{},
	}
}

// NewClient builds an LLMClient from functional options, resolving
// provider-alias auto-configuration (see provider.go's WithProviderAlias).
func NewClient(opts ...AIOption) (*OpenAIClient, error) {
	cfg := &AIConfig{Model: "gpt-4o", Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Provider != "ollama" && !startsWithOllama(cfg.ProviderAlias) && cfg.APIKey == "" {
		return nil, fmt.Errorf("configuration error: no API key configured for provider %q", cfg.ProviderAlias)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/ai")
	}

	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      firstNonEmpty(cfg.Model, "gpt-4o"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		telemetry:  telemetry,
	}, nil
}

func startsWithOllama(alias string) bool {
	return alias == "ollama" || (len(alias) >= 13 && alias[:13] == "openai.ollama")
}

// SetLogger updates the logger after construction, mirroring the chain
// client's propagation hook.
func (c *OpenAIClient) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("engine/ai")
		return
	}
	c.logger = logger
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func (c *OpenAIClient) call(ctx context.Context, req chatRequest) (*chatResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completions error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &parsed, nil
}

// GenerateText implements LLMClient.
func (c *OpenAIClient) GenerateText(ctx context.Context, messages []Message, temperature float32) (*TextResult, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_text")
	defer span.End()
	span.SetAttribute("ai.model", c.model)
	span.SetAttribute("ai.message_count", len(messages))

	resp, err := c.call(ctx, chatRequest{
		Model:       c.model,
		Messages:    toChatMessages(messages),
		Temperature: temperature,
	})
	if err != nil {
		span.RecordError(err)
		c.logger.ErrorWithContext(ctx, "generate text failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	content := resp.Choices[0].Message.Content
	out := append(append([]Message{}, messages...), Message{Role: RoleAssistant, Content: content})
	return &TextResult{Response: content, Messages: out}, nil
}

// GenerateObject implements LLMClient. It offers the model a "submit" tool
// whose parameters are schema, plus every caller-supplied tool, and forces a
// tool call via tool_choice=required so the model always either submits a
// schema-conforming object or invokes one of the other tools.
func (c *OpenAIClient) GenerateObject(ctx context.Context, messages []Message, schema json.RawMessage, temperature float32, tools []Tool) (*ObjectResult, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "ai.generate_object")
	defer span.End()
	span.SetAttribute("ai.model", c.model)
	span.SetAttribute("ai.tool_count", len(tools))

	chatTools := make([]chatTool, 0, len(tools)+1)
	submit := chatTool{Type: "function"}
	submit.Function.Name = "submit"
	submit.Function.Description = "Submit the final structured result."
	submit.Function.Parameters = schema
	chatTools = append(chatTools, submit)

	for _, t := range tools {
		ct := chatTool{Type: "function"}
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		chatTools = append(chatTools, ct)
	}

	resp, err := c.call(ctx, chatRequest{
		Model:       c.model,
		Messages:    toChatMessages(messages),
		Temperature: temperature,
		Tools:       chatTools,
		ToolChoice:  "required",
	})
	if err != nil {
		span.RecordError(err)
		c.logger.ErrorWithContext(ctx, "generate object failed", map[string]interface{}{"error": err.Error()})
		return &ObjectResult{Success: false, Error: err.Error(), Messages: messages}, err
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return &ObjectResult{Success: false, Error: "model returned no tool call", Messages: messages}, nil
	}

	call := msg.ToolCalls[0]
	assistantMsgs := append([]Message{}, messages...)
	assistantMsgs = append(assistantMsgs, Message{Role: RoleAssistant, Content: msg.Content})

	if call.Function.Name == "submit" {
		return &ObjectResult{
			Success:  true,
			Response: json.RawMessage(call.Function.Arguments),
			Messages: assistantMsgs,
		}, nil
	}

	return &ObjectResult{
		Success: true,
		ToolCall: &ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		},
		Messages: assistantMsgs,
	}, nil
}
