package ai

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a Message in a chat-style conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat-style conversation passed to an LLMClient.
// ToolCallID associates a RoleTool message with the ToolCall it answers.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
}

// Tool describes a function the model may invoke instead of answering
// directly. Parameters is a JSON Schema object describing its arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a model-issued invocation of one of the Tools offered to it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// TextResult is the outcome of an unstructured GenerateText call.
type TextResult struct {
	Response string
	Messages []Message
}

// ObjectResult is the outcome of a schema-constrained GenerateObject call.
// Exactly one of Response or ToolCall is populated on success: Response when
// the model submitted data conforming to the requested schema, ToolCall when
// it invoked one of the caller-supplied tools instead (the self-healing
// agent uses this to let the model choose between "submit" and "abort").
type ObjectResult struct {
	Success  bool
	Response json.RawMessage
	ToolCall *ToolCall
	Error    string
	Messages []Message
}

// LLMClient is the engine's entire surface onto a language model. Callers
// never see provider names, request/response shapes, or retry behavior;
// every implementation (single-provider or failover chain) satisfies this
// one interface.
type LLMClient interface {
	// GenerateText produces a free-form completion for messages.
	GenerateText(ctx context.Context, messages []Message, temperature float32) (*TextResult, error)

	// GenerateObject constrains the model to either submit a value matching
	// schema or invoke one of tools. The self-healing agent builds its
	// submit/abort contract on top of this by passing those two as tools
	// (or relying on the implicit schema-conforming submit path) rather
	// than the interface hard-coding either name.
	GenerateObject(ctx context.Context, messages []Message, schema json.RawMessage, temperature float32, tools []Tool) (*ObjectResult, error)
}
