// Package llm is the text-model boundary of the companion: the chat reply and
// the insight report both go through a [Provider].
//
// Implementations are safe for concurrent use and close streaming channels
// when the reply ends or ctx is cancelled.
package llm

import (
	"context"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError marks a chunk reporting a stream failure; its Text holds the
// error message.
const FinishError = "error"

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// ResponseFormat asks for a JSON reply matching Schema.
type ResponseFormat struct {
	// Name identifies the schema to the provider (letters, digits, '_' and '-').
	Name string

	// Schema is a JSON Schema with an object root.
	Schema map[string]any
}

// CompletionRequest is one prompt. Messages must not be empty.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message

	// ResponseFormat, when set, constrains the reply to JSON. Providers
	// without native structured output describe the schema in the system
	// prompt instead.
	ResponseFormat *ResponseFormat

	// Temperature is sent only when non-zero.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
}

// Usage is the token accounting reported for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is a finished reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Chunk is a fragment of a streamed reply. The last chunk carries a
// FinishReason such as "stop", "length" or [FinishError].
type Chunk struct {
	Text         string
	FinishReason string
}

// ModelCapabilities is static metadata about the configured model.
type ModelCapabilities struct {
	// ContextWindow is the token budget shared by prompt and reply.
	ContextWindow int

	// MaxOutputTokens is the longest reply the model produces.
	MaxOutputTokens int

	// SupportsStructuredOutput reports native JSON-schema constrained output.
	SupportsStructuredOutput bool
}

// Provider is a text model backend.
type Provider interface {
	// StreamCompletion starts a reply and returns its chunks. The error is
	// non-nil only when the stream could not start; later failures arrive as
	// a [FinishError] chunk. Callers drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may overcount but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	Capabilities() ModelCapabilities
}

// EstimateTokens approximates token usage at four bytes per token plus a
// fixed per-message overhead for role markup.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}

// CapabilityTable maps model name prefixes to capabilities. The first
// matching row wins, so longer prefixes go first.
type CapabilityTable []CapabilityRow

// CapabilityRow is one entry of a [CapabilityTable].
type CapabilityRow struct {
	Prefix string
	Caps   ModelCapabilities
}

// Lookup returns the capabilities for model, matched case-insensitively, or
// fallback when no row matches.
func (t CapabilityTable) Lookup(model string, fallback ModelCapabilities) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, row := range t {
		if strings.HasPrefix(lower, row.Prefix) {
			return row.Caps
		}
	}
	return fallback
}
