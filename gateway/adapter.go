package gateway

import (
	"context"
	"time"

	"github.com/BaSui01/llmgate/types"
)

// Provider is a vendor namespace tag.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderAli    Provider = "ali"
	ProviderOpenAI Provider = "openai"
)

// TokenUsage reports token consumption for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is the unified chat-completion request. Pointer fields are
// optional; the dispatcher fills them from DispatchConfig defaults.
type Request struct {
	Provider    Provider        `json:"provider"`
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	TimeoutMS   *int64          `json:"timeout_ms,omitempty"`
	RetryCount  *int            `json:"retry_count,omitempty"`
}

// NewRequest creates a request for the given provider, model, and messages.
func NewRequest(provider Provider, model string, messages []types.Message) *Request {
	return &Request{
		Provider: provider,
		Model:    model,
		Messages: messages,
	}
}

// WithStream toggles streaming.
func (r *Request) WithStream(stream bool) *Request {
	r.Stream = stream
	return r
}

// WithTemperature sets the sampling temperature.
func (r *Request) WithTemperature(t float32) *Request {
	r.Temperature = &t
	return r
}

// WithMaxTokens sets the completion token budget.
func (r *Request) WithMaxTokens(n int) *Request {
	r.MaxTokens = &n
	return r
}

// WithTopP sets the nucleus sampling parameter.
func (r *Request) WithTopP(p float32) *Request {
	r.TopP = &p
	return r
}

// WithStop sets the stop sequences.
func (r *Request) WithStop(stop []string) *Request {
	r.Stop = stop
	return r
}

// Response is the unified chat-completion response.
type Response struct {
	Content       string        `json:"content"`
	Provider      Provider      `json:"provider"`
	Model         string        `json:"model"`
	Usage         *TokenUsage   `json:"usage,omitempty"`
	FinishReason  string        `json:"finish_reason,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// StreamChunk is one element of a streaming response. The sequence is lazy,
// finite, and non-restartable: a chunk with Done set (or a non-nil Err)
// terminates the stream, after which the channel is closed.
type StreamChunk struct {
	Content string       `json:"content,omitempty"`
	Done    bool         `json:"done,omitempty"`
	Err     *types.Error `json:"error,omitempty"`
}

// Adapter translates the unified request into a provider's wire format,
// issues it through the executor, and translates the response back. Adapters
// own their wire-format structs; vendor shapes never leak to callers.
type Adapter interface {
	// Generate sends a synchronous chat request.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream sends a streaming chat request. Both the Ollama
	// "done":true framing and the Ali "data: [DONE]" framing terminate the
	// returned channel; the dispatcher sees neither.
	GenerateStream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	// SupportedModels returns the advisory model list. The dispatcher uses
	// it to early-reject unknown models; an empty list accepts any model.
	SupportedModels() []string

	// ProviderTag returns the vendor namespace tag.
	ProviderTag() Provider
}
