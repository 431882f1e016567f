// Package provider implements the language-model provider client: chat
// completions with tool calling, content moderation, speech synthesis,
// transcription, and image description over an OpenAI-compatible REST API.
package provider

import (
	"context"
	"io"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry in a conversation transcript.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the requested action name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable action published to the model.
// Parameters is a JSON-schema object and must match the dispatcher's
// actual argument validation.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Client is the language-model provider capability used by the engine and
// the domain tools. Implementations must be safe for use from a single turn
// at a time; calls block until the provider responds.
type Client interface {
	// ChatCompletion sends the transcript and returns the assistant's reply.
	// Passing no tools is a deliberate policy choice of the caller, not an
	// error.
	ChatCompletion(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatMessage, error)

	// Moderate reports whether the given text violates content policy.
	Moderate(ctx context.Context, text string) (bool, error)

	// Synthesize renders text to speech and returns an audio reference
	// (a local file path).
	Synthesize(ctx context.Context, text string) (string, error)

	// Transcribe converts recorded audio into text.
	Transcribe(ctx context.Context, audio io.Reader) (string, error)

	// DescribeImage runs a vision completion over a JPEG capture.
	DescribeImage(ctx context.Context, prompt string, jpeg []byte) (string, error)
}
