package ali

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// DefaultBaseURL is the DashScope endpoint root.
const DefaultBaseURL = "https://dashscope.aliyuncs.com"

const chatCompletionsPath = "/compatible-mode/v1/chat/completions"

const providerTag = string(gateway.ProviderAli)

// ClientOption customizes a Client.
type ClientOption func(*clientSettings)

type clientSettings struct {
	baseURL   string
	config    gateway.ClientConfig
	sink      gateway.CallSink
	logger    *zap.Logger
}

// WithBaseURL overrides the DashScope endpoint root.
func WithBaseURL(baseURL string) ClientOption {
	return func(s *clientSettings) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithClientConfig overrides the executor configuration.
func WithClientConfig(cfg gateway.ClientConfig) ClientOption {
	return func(s *clientSettings) { s.config = cfg }
}

// WithCallSink wires the call-log sink into the client's executor.
func WithCallSink(sink gateway.CallSink) ClientOption {
	return func(s *clientSettings) { s.sink = sink }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(s *clientSettings) { s.logger = logger }
}

// Client is a DashScope client bound to a single API key. The Authorization
// header is baked into the executor at construction; rotating keys cheaply
// therefore means constructing disposable per-call clients (see
// DynamicClient).
type Client struct {
	executor *gateway.Executor
	baseURL  string
	logger   *zap.Logger
}

// NewClient creates a client for the given API key.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	settings := clientSettings{
		baseURL: DefaultBaseURL,
		config:  gateway.DefaultClientConfig(),
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.logger == nil {
		settings.logger = zap.NewNop()
	}

	// 每个客户端持有独立的 header 表：配置模板会在并发的单次调用
	// 客户端之间共享，不能原地写入
	headers := make(map[string]string, len(settings.config.DefaultHeaders)+1)
	for k, v := range settings.config.DefaultHeaders {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + apiKey
	settings.config.DefaultHeaders = headers

	executor := gateway.NewExecutor(settings.config, settings.logger)
	if settings.sink != nil {
		executor.SetCallSink(settings.sink)
	}

	return &Client{
		executor: executor,
		baseURL:  settings.baseURL,
		logger:   settings.logger.With(zap.String("provider", providerTag)),
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
	if req.Temperature != nil && (*req.Temperature < 0.0 || *req.Temperature > 2.0) {
		return types.NewError(types.ErrInvalidParameters, "temperature must be between 0.0 and 2.0").WithProvider(providerTag)
	}
	if req.TopP != nil && (*req.TopP < 0.0 || *req.TopP > 1.0) {
		return types.NewError(types.ErrInvalidParameters, "top_p must be between 0.0 and 1.0").WithProvider(providerTag)
	}
	return nil
}

// Chat sends a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req.SetStream(false)
	req.IncrementalOutput = nil
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	result, err := c.executor.Post(ctx, c.baseURL+chatCompletionsPath, req)
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

// ChatStream sends a streaming chat completion. Each SSE payload is decoded
// and delivered to the callback; returning false stops the stream. The
// terminating "data: [DONE]" line ends the stream without a callback.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, callback func(*StreamResponse) bool) error {
	req.SetStream(true)
	if err := validateRequest(req); err != nil {
		return err
	}

	return c.executor.PostStream(ctx, c.baseURL+chatCompletionsPath, req, func(line string) bool {
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

		var chunk StreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("failed to parse stream chunk, skipping",
				zap.Error(err),
				zap.String("line", data))
			return true
		}
		return callback(&chunk)
	})
}
