package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

const (
	// maxJSONTokens is the hard cap some providers enforce on JSON-mode
	// completions. Requests above it are clamped, never rejected.
	maxJSONTokens = 4096

	defaultTimeout = 90 * time.Second
)

// ClientConfig holds configuration for the HTTP gateway client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	ChatModel   string
	SmallModel  string
	EmbedModel  string
	RerankURL   string
	RerankModel string
	Timeout     time.Duration
}

// Client implements Gateway against an OpenAI-compatible endpoint plus a
// DashScope-style rerank endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new gateway client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("llm"),
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []ChatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat *formatRequest `json:"response_format,omitempty"`
}

type formatRequest struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a free-form chat completion request. The response text is
// returned untouched.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.ChatModel
	}

	reqBody := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	var resp chatResponse
	if err := c.post(ctx, c.cfg.BaseURL+"/chat/completions", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrFailure)
	}

	c.logger.Debug("chat completion received",
		zap.String("model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &ChatResult{
		Text:  resp.Choices[0].Message.Content,
		Usage: resp.Usage,
	}, nil
}

// JSON requests a JSON object from the model and returns the cleaned raw
// bytes. The schema is injected into the system message, the word "JSON"
// is forced into it, max_tokens is clamped, markdown fences are stripped
// and common shape drifts are coerced before the bytes are returned.
func (c *Client) JSON(ctx context.Context, messages []ChatMessage, schema string, opts ChatOptions) ([]byte, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.SmallModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 || maxTokens > maxJSONTokens {
		maxTokens = maxJSONTokens
	}

	reqBody := chatRequest{
		Model:          model,
		Messages:       injectSchema(messages, schema),
		MaxTokens:      maxTokens,
		Temperature:    opts.Temperature,
		ResponseFormat: &formatRequest{Type: "json_object"},
	}

	var resp chatResponse
	if err := c.post(ctx, c.cfg.BaseURL+"/chat/completions", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrFailure)
	}

	cleaned, err := NormalizeJSON(resp.Choices[0].Message.Content)
	if err != nil {
		c.logger.Warn("json response unparseable",
			zap.String("model", model),
			zap.Error(err))
		return nil, err
	}
	return cleaned, nil
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one EmbedDim-length vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := embedRequest{
		Model:      c.cfg.EmbedModel,
		Input:      texts,
		Dimensions: EmbedDim,
	}

	var resp embedResponse
	if err := c.post(ctx, c.cfg.BaseURL+"/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrFailure, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrFailure, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

type rerankRequest struct {
	Model string          `json:"model"`
	Input rerankInput     `json:"input"`
	Param map[string]bool `json:"parameters,omitempty"`
}

type rerankInput struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Output struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	} `json:"output"`
}

// Rerank scores candidates against query, returning one score per
// candidate in candidate order.
func (c *Client) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	reqBody := rerankRequest{
		Model: c.cfg.RerankModel,
		Input: rerankInput{Query: query, Documents: candidates},
	}

	var resp rerankResponse
	if err := c.post(ctx, c.cfg.RerankURL, reqBody, &resp); err != nil {
		return nil, err
	}

	scores := make([]float64, len(candidates))
	for _, r := range resp.Output.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, url string, reqBody, respBody interface{}) error {
	payload, err := jsonx.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrFailure, resp.StatusCode, string(body))
	}

	if err := jsonx.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrFailure, err)
	}
	return nil
}

// injectSchema folds the schema into the system message and makes sure
// the word "JSON" appears there; some providers refuse JSON mode without
// it. A system message is created when the caller supplied none.
func injectSchema(messages []ChatMessage, schema string) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages)+1)

	sysIdx := -1
	for i, m := range messages {
		if m.Role == "system" {
			sysIdx = i
			break
		}
	}

	if sysIdx == -1 {
		sys := "You are a helpful assistant designed to output JSON."
		if schema != "" {
			sys += "\n\n" + schema
		}
		out = append(out, ChatMessage{Role: "system", Content: sys})
		out = append(out, messages...)
		return out
	}

	out = append(out, messages...)
	sys := out[sysIdx].Content
	if schema != "" && !strings.Contains(sys, schema) {
		sys += "\n\n" + schema
	}
	if !strings.Contains(sys, "JSON") {
		sys += "\n\nYou must respond with valid JSON."
	}
	out[sysIdx].Content = sys
	return out
}
