// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote model API (Groq, OpenAI, or anything else that speaks
// an OpenAI-compatible chat protocol) and exposes a single blocking Complete call.
// The gateway above it owns model selection, so each request names the model it
// wants; a provider falls back to its configured default when Model is empty.
//
// Implementations must be safe for concurrent use and must not retry on their
// own: the caller decides whether a failure moves on to the next model.
package llm

import "context"

// Role values accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ResponseFormat selects how the backend should shape its reply.
type ResponseFormat int

const (
	// FormatText requests free-form text (the backend default).
	FormatText ResponseFormat = iota

	// FormatJSONObject requests a single JSON object ("response_format":
	// {"type": "json_object"} on OpenAI-compatible APIs).
	FormatJSONObject
)

// String returns the wire name of the format.
func (f ResponseFormat) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSONObject:
		return "json_object"
	default:
		return "unknown"
	}
}

// Message is a single entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce one reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Model is the backend model identifier. Empty means the provider default.
	Model string

	// SystemPrompt is sent as a leading "system" message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation. The last entry is usually the
	// user turn that drives the reply.
	Messages []Message

	// Temperature controls sampling randomness in [0.0, 2.0]. Zero leaves the
	// provider default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// Format requests a response shape. FormatJSONObject makes the backend
	// return a JSON object string in Content.
	Format ResponseFormat
}

// CompletionResponse is the result of a Complete call.
type CompletionResponse struct {
	// Model is the model that actually served the request, as reported by the
	// backend (may differ from the requested alias).
	Model string

	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the backend and waits for the full response.
	//
	// Rate-limit and overload responses must be reported as errors wrapping
	// [ErrRateLimited] and [ErrOverloaded] respectively so callers can tell them
	// apart from other failures.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name returns a short identifier for logs and metrics (e.g. "openai").
	Name() string
}
