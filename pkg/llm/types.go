// Package llm provides the chat-completion client for the model endpoint.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message. Conversations are ordered oldest
// first and terminated by the newest user turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"name,omitempty"`         // For tool responses
}

// ToolCall represents a tool invocation requested by the model.
// Arguments use proper Go types — the JSON-string encoding some
// providers use on the wire is converted at the client boundary.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TokenUsage reports token counts for a single model call.
// TotalTokens always equals PromptTokens + CompletionTokens.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize recomputes TotalTokens from the component counts and clamps
// negatives to zero. Providers that omit total_tokens stay consistent.
func (u TokenUsage) Normalize() TokenUsage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// ToolSchema is the wire-format tool declaration sent with a chat request.
type ToolSchema struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema describes one callable function to the model.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolSchema builds the wire tool entry for a named capability.
func NewToolSchema(name, description string, parameters map[string]any) ToolSchema {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ToolSchema{
		Type: "function",
		Function: FunctionSchema{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from the model endpoint.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string
	Usage        TokenUsage
}

// HasToolCalls reports whether the assistant turn requested any tools.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}
