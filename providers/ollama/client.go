// Package ollama implements the Ollama provider for the llmgate gateway:
// wire structs, the HTTP client, and the dispatcher adapter.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// DefaultBaseURL is the local Ollama endpoint root.
const DefaultBaseURL = "http://localhost:11434"

const providerTag = string(gateway.ProviderOllama)

// chatMessage is the wire form of one conversation message.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

func toWireMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		wire := chatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, img := range m.Images {
			if img.Data != "" {
				wire.Images = append(wire.Images, img.Data)
			}
		}
		out = append(out, wire)
	}
	return out
}

// Tool is an Ollama tool definition.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   *bool          `json:"stream,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Format   string         `json:"format,omitempty"`
	Tools    []Tool         `json:"tools,omitempty"`
}

// NewChatRequest creates a request for the given model and messages.
func NewChatRequest(model string, messages []types.Message) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: toWireMessages(messages),
	}
}

// SetOption sets one model parameter (temperature, num_predict, top_p, ...).
func (r *ChatRequest) SetOption(key string, value any) {
	if r.Options == nil {
		r.Options = make(map[string]any)
	}
	r.Options[key] = value
}

// ChatResponse is one /api/chat response object. In streaming mode Ollama
// emits one such object per line; the line with "done":true carries the
// counters.
type ChatResponse struct {
	Model              string       `json:"model"`
	CreatedAt          string       `json:"created_at"`
	Message            *chatMessage `json:"message,omitempty"`
	Done               bool         `json:"done"`
	DoneReason         string       `json:"done_reason,omitempty"`
	TotalDuration      *int64       `json:"total_duration,omitempty"` // nanoseconds
	LoadDuration       *int64       `json:"load_duration,omitempty"`
	PromptEvalDuration *int64       `json:"prompt_eval_duration,omitempty"`
	EvalDuration       *int64       `json:"eval_duration,omitempty"`
	PromptEvalCount    *int         `json:"prompt_eval_count,omitempty"`
	EvalCount          *int         `json:"eval_count,omitempty"`
}

// Content returns the generated message content, or the empty string.
func (r *ChatResponse) Content() string {
	if r.Message == nil {
		return ""
	}
	return r.Message.Content
}

// Client is an Ollama API client built on the gateway executor.
type Client struct {
	executor *gateway.Executor
	baseURL  string
	logger   *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*clientSettings)

type clientSettings struct {
	config gateway.ClientConfig
	sink   gateway.CallSink
}

// WithClientConfig overrides the executor configuration.
func WithClientConfig(cfg gateway.ClientConfig) ClientOption {
	return func(s *clientSettings) { s.config = cfg }
}

// WithCallSink wires the call-log sink into the client's executor.
func WithCallSink(sink gateway.CallSink) ClientOption {
	return func(s *clientSettings) { s.sink = sink }
}

// NewClient creates a client for the given Ollama base URL.
func NewClient(baseURL string, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	settings := clientSettings{config: gateway.DefaultClientConfig()}
	for _, opt := range opts {
		opt(&settings)
	}

	executor := gateway.NewExecutor(settings.config, logger)
	if settings.sink != nil {
		executor.SetCallSink(settings.sink)
	}

	return &Client{
		executor: executor,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger.With(zap.String("provider", providerTag)),
	}
}

// Executor exposes the underlying executor, mainly for metrics snapshots.
func (c *Client) Executor() *gateway.Executor {
	return c.executor
}

func validateRequest(req *ChatRequest) error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidParameters, "model cannot be empty").WithProvider(providerTag)
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidParameters, "messages cannot be empty").WithProvider(providerTag)
	}
	return nil
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	stream := false
	req.Stream = &stream
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	result, err := c.executor.Post(ctx, c.baseURL+"/api/chat", req)
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, types.NewError(types.ErrUpstreamAPI, "decode chat response").
			WithProvider(providerTag).WithCause(err)
	}
	return &resp, nil
}

// ChatStream sends a streaming chat request. Ollama emits one JSON object
// per line; the object with "done":true ends the stream. Returning false
// from the callback stops the stream early.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, callback func(*ChatResponse) bool) error {
	stream := true
	req.Stream = &stream
	if err := validateRequest(req); err != nil {
		return err
	}

	return c.executor.PostStream(ctx, c.baseURL+"/api/chat", req, func(line string) bool {
		var resp ChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			c.logger.Warn("failed to parse stream line, skipping",
				zap.Error(err),
				zap.String("line", line))
			return true
		}
		if !callback(&resp) {
			return false
		}
		// done:true 为最后一行，之后正常收尾
		return !resp.Done
	})
}

// ListModels returns the locally available model names via /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}

	resp, err := c.executor.HTTPClient().Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "list models").
			WithProvider(providerTag).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewError(types.ErrUpstreamAPI, string(data)).
			WithProvider(providerTag).WithHTTPStatus(resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, types.NewError(types.ErrUpstreamAPI, "decode models response").
			WithProvider(providerTag).WithCause(err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// IsModelAvailable reports whether the model is present locally.
func (c *Client) IsModelAvailable(ctx context.Context, model string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range models {
		if name == model {
			return true, nil
		}
	}
	return false, nil
}
