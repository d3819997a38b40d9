package domain

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the provider-agnostic chat message shape used by the workflow
// and LLM integrations.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a single function invocation requested by a model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec describes a tool offered to a model. Parameters is a JSON Schema
// object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// OutputSchema asks the model for a single JSON object matching Schema.
type OutputSchema struct {
	Name   string
	Schema json.RawMessage
}

type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolSpec
	Output      *OutputSchema
	Temperature *float64
	MaxTokens   int
}

type ChatResponse struct {
	Message ChatMessage
	Model   string
	Usage   Usage
}

// Usage is the token accounting reported for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func ToolMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}
