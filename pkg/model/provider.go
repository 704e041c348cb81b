package model

import (
	"context"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// FinishReason is the turn-terminal marker carried by a stream event.
type FinishReason string

const (
	// FinishNone means the turn is still in progress.
	FinishNone FinishReason = ""
	// FinishStop means the model finished its reply.
	FinishStop FinishReason = "stop"
	// FinishToolCalls means the model is waiting on the results of the
	// tool calls it streamed during this request.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishLength means the reply was cut off by the token limit.
	FinishLength FinishReason = "length"
)

// Message represents a message in the provider's conversation context.
type Message struct {
	Role    domain.Role
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID and Name are set on tool result messages.
	ToolCallID string
	Name       string
}

// ToolCall is a fully accumulated tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// ToolCallFragment is a partial tool call as it arrives on the wire,
// addressed by a provider-assigned index.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Event is one element of a streamed completion.
type Event struct {
	Content      string
	ToolCalls    []ToolCallFragment
	FinishReason FinishReason
}

// Request is a streamed completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
}

// Provider represents a service that provides LLMs (e.g. OpenAI, Gemini).
type Provider interface {
	// Name returns the provider's identifier (e.g. "openai", "gemini").
	Name() string

	// Stream starts a streamed completion. The returned stream must be closed.
	Stream(ctx context.Context, req Request) (Stream, error)

	// Complete runs a single non-streaming completion and returns the raw
	// text of the reply.
	Complete(ctx context.Context, modelName, instructions, prompt string) (string, error)
}

// Stream abstracts the events of one streamed completion.
type Stream interface {
	// Recv returns the next event, or io.EOF once the stream is exhausted.
	Recv() (Event, error)

	// Close releases resources associated with this stream.
	Close() error
}
