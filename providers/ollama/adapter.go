package ollama

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// supportedModels is the advisory default list; deployments serving other
// local models can override it with WithModels.
var supportedModels = []string{
	"llama3.2",
	"llama3.1:latest",
	"llama3",
	"qwen-turbo",
	"qwen-plus",
	"gemma2",
	"mistral",
	"codellama",
}

// Adapter routes unified requests to an Ollama client.
type Adapter struct {
	client *Client
	models []string
	logger *zap.Logger
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithModels overrides the advisory model list. An empty list accepts any
// model.
func WithModels(models []string) AdapterOption {
	return func(a *Adapter) { a.models = models }
}

// NewAdapter creates the Ollama adapter.
func NewAdapter(client *Client, logger *zap.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		client: client,
		models: supportedModels,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func buildChatRequest(req *gateway.Request) *ChatRequest {
	out := NewChatRequest(req.Model, req.Messages)
	if req.Temperature != nil {
		out.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		out.SetOption("num_predict", *req.MaxTokens)
	}
	if req.TopP != nil {
		out.SetOption("top_p", *req.TopP)
	}
	if len(req.Stop) > 0 {
		out.SetOption("stop", req.Stop)
	}
	return out
}

func toUnifiedResponse(resp *ChatResponse) *gateway.Response {
	out := &gateway.Response{
		Content:  resp.Content(),
		Provider: gateway.ProviderOllama,
		Model:    resp.Model,
	}
	if t, err := time.Parse(time.RFC3339Nano, resp.CreatedAt); err == nil {
		out.CreatedAt = t
	}

	prompt, completion := 0, 0
	if resp.PromptEvalCount != nil {
		prompt = *resp.PromptEvalCount
	}
	if resp.EvalCount != nil {
		completion = *resp.EvalCount
	}
	if prompt > 0 || completion > 0 {
		out.Usage = &gateway.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
	}

	if resp.Done {
		out.FinishReason = "stop"
		if resp.DoneReason != "" {
			out.FinishReason = resp.DoneReason
		}
	}
	if resp.TotalDuration != nil {
		out.TotalDuration = time.Duration(*resp.TotalDuration)
	}
	return out
}

// Generate implements gateway.Adapter.
func (a *Adapter) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	resp, err := a.client.Chat(ctx, buildChatRequest(req))
	if err != nil {
		return nil, err
	}
	return toUnifiedResponse(resp), nil
}

// GenerateStream implements gateway.Adapter.
func (a *Adapter) GenerateStream(ctx context.Context, req *gateway.Request) (<-chan gateway.StreamChunk, error) {
	wireReq := buildChatRequest(req)
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

		err := a.client.ChatStream(ctx, wireReq, func(resp *ChatResponse) bool {
			if content := resp.Content(); content != "" {
				if !send(gateway.StreamChunk{Content: content}) {
					return false
				}
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
func (a *Adapter) SupportedModels() []string {
	return a.models
}

// ProviderTag implements gateway.Adapter.
func (a *Adapter) ProviderTag() gateway.Provider {
	return gateway.ProviderOllama
}
