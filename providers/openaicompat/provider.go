// Package openaicompat implements a generic OpenAI-compatible provider for
// the llmgate gateway. Vendors exposing the /v1/chat/completions shape
// (OpenAI, DeepSeek, Moonshot, ...) plug in through a Config instead of a
// dedicated package; only the tag, base URL, and key source differ.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// chatMessage is the wire form of one conversation message.
type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatRequest is the OpenAI-compatible chat completions request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Usage is the token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice. Delta is set only on stream chunks.
type Choice struct {
	Index        int          `json:"index"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Message      chatMessage  `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
}

// ChatResponse is the chat completions response body, shared between the
// non-streaming response and SSE chunks.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Config describes one OpenAI-compatible vendor.
type Config struct {
	// Tag is the provider namespace the adapter registers under.
	Tag gateway.Provider

	// BaseURL is the vendor endpoint root, e.g. "https://api.openai.com".
	BaseURL string

	// APIKey is a static key. Leave empty and set Keys to rotate keys from
	// the encrypted pool instead.
	APIKey string

	// Keys, when set, pulls the next rotated key for Tag on every call.
	// Authentication headers are baked at client construction, so rotation
	// builds a disposable per-call executor.
	Keys *gateway.KeyCache

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint defaults to "/v1/models".
	ModelsEndpoint string

	// Models is the advisory model list; empty accepts any model.
	Models []string

	// Client overrides the executor configuration.
	Client gateway.ClientConfig

	// Sink receives the executor's call-log records.
	Sink gateway.CallSink
}

// Provider is the generic OpenAI-compatible adapter.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a provider from the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.Client.Timeout.Request == 0 {
		cfg.Client = gateway.DefaultClientConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{
		cfg:    cfg,
		logger: logger.With(zap.String("provider", string(cfg.Tag))),
	}
}

// executorForKey builds a per-call executor with the bearer token baked in.
func (p *Provider) executorForKey(apiKey string) *gateway.Executor {
	cfg := p.cfg.Client
	headers := make(map[string]string, len(cfg.DefaultHeaders)+1)
	for k, v := range cfg.DefaultHeaders {
		headers[k] = v
	}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	cfg.DefaultHeaders = headers

	executor := gateway.NewExecutor(cfg, p.logger)
	if p.cfg.Sink != nil {
		executor.SetCallSink(p.cfg.Sink)
	}
	return executor
}

// resolveKey picks the key for one call: the static key, or the next
// rotated key from the pool.
func (p *Provider) resolveKey() (string, error) {
	if p.cfg.Keys == nil {
		return p.cfg.APIKey, nil
	}
	apiKey, _, ok := p.cfg.Keys.NextKey(string(p.cfg.Tag))
	if !ok {
		return "", types.NewError(types.ErrNoActiveKeys,
			fmt.Sprintf("no active API keys for provider %q", p.cfg.Tag)).
			WithProvider(string(p.cfg.Tag))
	}
	return apiKey, nil
}

func (p *Provider) buildBody(req *gateway.Request, stream bool) ChatRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	return ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// Generate implements gateway.Adapter.
func (p *Provider) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	apiKey, err := p.resolveKey()
	if err != nil {
		return nil, err
	}

	result, err := p.executorForKey(apiKey).Post(ctx, p.cfg.BaseURL+p.cfg.EndpointPath, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, types.NewError(types.ErrUpstreamAPI, "decode chat response").
			WithProvider(string(p.cfg.Tag)).WithCause(err)
	}

	out := &gateway.Response{
		Provider:  p.cfg.Tag,
		Model:     resp.Model,
		RequestID: resp.ID,
	}
	if resp.Created != 0 {
		out.CreatedAt = time.Unix(resp.Created, 0)
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	if resp.Usage != nil {
		out.Usage = &gateway.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// GenerateStream implements gateway.Adapter using SSE framing: lines
// prefixed "data: ", terminated by "data: [DONE]".
func (p *Provider) GenerateStream(ctx context.Context, req *gateway.Request) (<-chan gateway.StreamChunk, error) {
	apiKey, err := p.resolveKey()
	if err != nil {
		return nil, err
	}
	executor := p.executorForKey(apiKey)
	body := p.buildBody(req, true)

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer close(ch)

		send := func(chunk gateway.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		err := executor.PostStream(ctx, p.cfg.BaseURL+p.cfg.EndpointPath, body, func(line string) bool {
			if !strings.HasPrefix(line, "data:") {
				return true
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				return true
			}
			if data == "[DONE]" {
				return false
			}

			var chunk ChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				p.logger.Warn("failed to parse stream chunk, skipping", zap.Error(err))
				return true
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
				return true
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				return send(gateway.StreamChunk{Content: content})
			}
			return true
		})
		if err != nil {
			if typed, ok := err.(*types.Error); ok {
				send(gateway.StreamChunk{Err: typed})
			} else {
				send(gateway.StreamChunk{Err: types.NewError(types.ErrInternal, err.Error())})
			}
			return
		}
		send(gateway.StreamChunk{Done: true})
	}()
	return ch, nil
}

// SupportedModels implements gateway.Adapter.
func (p *Provider) SupportedModels() []string {
	return p.cfg.Models
}

// ProviderTag implements gateway.Adapter.
func (p *Provider) ProviderTag() gateway.Provider {
	return p.cfg.Tag
}

// ListModels fetches the live model list from the vendor's models endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	apiKey, err := p.resolveKey()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+p.cfg.ModelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := p.executorForKey(apiKey).HTTPClient().Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrNetwork, "list models").
			WithProvider(string(p.cfg.Tag)).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewError(types.ErrUpstreamAPI, string(data)).
			WithProvider(string(p.cfg.Tag)).WithHTTPStatus(resp.StatusCode)
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, types.NewError(types.ErrUpstreamAPI, "decode models response").
			WithProvider(string(p.cfg.Tag)).WithCause(err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
