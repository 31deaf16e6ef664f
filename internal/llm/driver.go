// Package llm defines the chat model driver contract and the Anthropic
// implementation. Any tool-calling chat model satisfying the Driver
// interface is swappable.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolOutcome carries a tool result back to the model.
type ToolOutcome struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is one entry of the conversation sent to the driver.
type Message struct {
	Role        string        `json:"role"`
	Content     string        `json:"content"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []ToolOutcome `json:"tool_results,omitempty"`
}

// ToolDef is a tool schema the driver binds for the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a single completion request.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChunkType discriminates streaming events from the driver.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// Chunk is one streaming event. Text chunks carry incremental assistant
// text; tool_call chunks carry a fully accumulated call; the done chunk
// reports final token counts.
type Chunk struct {
	Type         ChunkType `json:"type"`
	Text         string    `json:"text,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Err          error     `json:"-"`
}

// Driver is the chat model contract: accept a system prompt, ordered
// history, and tool schemas; stream back text, tool calls, and usage.
type Driver interface {
	// Stream starts a completion and returns a channel of chunks. The
	// channel is closed after a done or error chunk.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	// Model returns the model identifier used for telemetry.
	Model() string
}
