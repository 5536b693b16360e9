// Package ali implements the Alibaba DashScope provider (OpenAI-compatible
// mode) for the llmgate gateway: wire structs, a direct per-key client, the
// rotating-key dynamic client, and the dispatcher adapters.
package ali

import (
	"encoding/json"

	"github.com/BaSui01/llmgate/types"
)

// chatMessage is the wire form of one conversation message.
type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

func toWireMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

// ChatRequest is the DashScope chat-completions request body
// (OpenAI-compatible mode).
type ChatRequest struct {
	Model             string        `json:"model"`
	Messages          []chatMessage `json:"messages"`
	Stream            *bool         `json:"stream,omitempty"`
	Seed              *int          `json:"seed,omitempty"`
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	Temperature       *float32      `json:"temperature,omitempty"`
	TopP              *float32      `json:"top_p,omitempty"`
	Stop              []string      `json:"stop,omitempty"`
	ResultFormat      *string       `json:"result_format,omitempty"`
	IncrementalOutput *bool         `json:"incremental_output,omitempty"`
}

// NewChatRequest creates a request for the given model and messages.
func NewChatRequest(model string, messages []types.Message) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
	}
}

// SetStream toggles streaming. Streaming enables incremental output, which
// DashScope recommends for SSE consumers.
func (r *ChatRequest) SetStream(stream bool) {
	r.Stream = &stream
	if stream {
		incremental := true
		r.IncrementalOutput = &incremental
	}
}

// Usage is the DashScope token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens *int `json:"cached_tokens,omitempty"`
	} `json:"prompt_tokens_details,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      chatMessage     `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// ChatResponse is the non-streaming response body.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint *string  `json:"system_fingerprint,omitempty"`
}

// Content returns the first choice's content, or the empty string.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// StreamDelta is the incremental message content of one stream chunk.
type StreamDelta struct {
	Role    *string `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// StreamChoice is one choice within a stream chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// StreamResponse is one SSE payload of a streaming completion. Usage arrives
// only on the final chunk.
type StreamResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// DeltaContent returns the first choice's incremental content.
func (r *StreamResponse) DeltaContent() string {
	if len(r.Choices) == 0 || r.Choices[0].Delta.Content == nil {
		return ""
	}
	return *r.Choices[0].Delta.Content
}
