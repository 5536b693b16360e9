package ali

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// supportedModels is the advisory Qwen model list served through DashScope.
var supportedModels = []string{
	"qwen-plus",
	"qwen-turbo",
	"qwen-max",
	"qwen-max-longcontext",
	"qwen2.5-72b-instruct",
	"qwen2.5-32b-instruct",
	"qwen2.5-14b-instruct",
	"qwen2.5-7b-instruct",
}

func buildChatRequest(req *gateway.Request) *ChatRequest {
	out := NewChatRequest(req.Model, req.Messages)
	out.Temperature = req.Temperature
	out.MaxTokens = req.MaxTokens
	out.TopP = req.TopP
	out.Stop = req.Stop
	return out
}

func toUnifiedResponse(resp *ChatResponse) *gateway.Response {
	out := &gateway.Response{
		Content:   resp.Content(),
		Provider:  gateway.ProviderAli,
		Model:     resp.Model,
		RequestID: resp.ID,
		CreatedAt: time.Unix(resp.Created, 0),
	}
	if resp.Usage != nil {
		out.Usage = &gateway.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) > 0 {
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out
}

// streamToChannel adapts the callback stream onto a lazy chunk channel with
// an explicit Done terminator.
func streamToChannel(ctx context.Context, run func(cb func(*StreamResponse) bool) error) <-chan gateway.StreamChunk {
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

		err := run(func(resp *StreamResponse) bool {
			content := resp.DeltaContent()
			if content == "" {
				return true
			}
			return send(gateway.StreamChunk{Content: content})
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
	return ch
}

// Adapter routes unified requests to a direct, single-key DashScope client.
type Adapter struct {
	client *Client
	logger *zap.Logger
}

// NewAdapter creates the direct adapter.
func NewAdapter(client *Client, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{client: client, logger: logger}
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
	return streamToChannel(ctx, func(cb func(*StreamResponse) bool) error {
		return a.client.ChatStream(ctx, wireReq, cb)
	}), nil
}

// SupportedModels implements gateway.Adapter.
func (a *Adapter) SupportedModels() []string {
	return supportedModels
}

// ProviderTag implements gateway.Adapter.
func (a *Adapter) ProviderTag() gateway.Provider {
	return gateway.ProviderAli
}

// PoolAdapter routes unified requests through a bounded pool of dynamic
// rotating-key clients: the pool bounds concurrency, the rotator bounds
// which key each call uses.
type PoolAdapter struct {
	pool   *gateway.ClientPool[*DynamicClient]
	logger *zap.Logger
}

// NewPoolAdapter creates a pool of size dynamic clients.
func NewPoolAdapter(keys *gateway.KeyCache, size int, logger *zap.Logger, opts ...DynamicOption) *PoolAdapter {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := make([]*DynamicClient, 0, size)
	for i := 0; i < size; i++ {
		clients = append(clients, NewDynamicClient(keys, logger, opts...))
	}
	logger.Info("ali client pool initialized", zap.Int("size", size))
	return &PoolAdapter{
		pool:   gateway.NewClientPool(clients),
		logger: logger,
	}
}

// Generate implements gateway.Adapter.
func (a *PoolAdapter) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	guard, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrCancelled, "cancelled while waiting for pool slot").WithCause(err)
	}
	defer guard.Release()

	keyAttempts := 0
	if req.RetryCount != nil {
		keyAttempts = *req.RetryCount
	}
	resp, err := guard.Value().ChatWithAutoKey(ctx, buildChatRequest(req), keyAttempts)
	if err != nil {
		return nil, err
	}
	return toUnifiedResponse(resp), nil
}

// GenerateStream implements gateway.Adapter.
func (a *PoolAdapter) GenerateStream(ctx context.Context, req *gateway.Request) (<-chan gateway.StreamChunk, error) {
	guard, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrCancelled, "cancelled while waiting for pool slot").WithCause(err)
	}

	wireReq := buildChatRequest(req)
	ch := streamToChannel(ctx, func(cb func(*StreamResponse) bool) error {
		defer guard.Release()
		return guard.Value().ChatStreamWithAutoKey(ctx, wireReq, cb)
	})
	return ch, nil
}

// SupportedModels implements gateway.Adapter.
func (a *PoolAdapter) SupportedModels() []string {
	return supportedModels
}

// ProviderTag implements gateway.Adapter.
func (a *PoolAdapter) ProviderTag() gateway.Provider {
	return gateway.ProviderAli
}

// PoolSize returns the number of pooled dynamic clients.
func (a *PoolAdapter) PoolSize() int {
	return a.pool.Size()
}
