// Package llm is the single call surface for every model interaction:
// free-form chat, small-model JSON extraction, embeddings and reranking.
// Provider quirks (JSON-mode word requirements, max_tokens caps, markdown
// fences, shape drift) are handled here and nowhere else.
package llm

import "context"

// EmbedDim is the embedding dimension used across the system.
// Callers must never mix dimensions.
const EmbedDim = 1024

// ChatMessage represents a message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single call. A nil Temperature leaves the
// provider default; Temp(0) is an explicit greedy setting, not unset.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Temp wraps a temperature for ChatOptions.
func Temp(v float64) *float64 { return &v }

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the outcome of a free-form chat call.
type ChatResult struct {
	Text  string
	Usage Usage
}

// Gateway is the unified model call surface.
//
// Chat returns free-form text with no post-processing. JSON requests a
// JSON object and returns the cleaned raw bytes for the caller to
// unmarshal; schema is injected into the system message. Errors from
// JSON are ErrFailure (transport) or ErrShape (unparseable payload).
type Gateway interface {
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error)
	JSON(ctx context.Context, messages []ChatMessage, schema string, opts ChatOptions) ([]byte, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}
