package ali

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/types"
)

// DynamicClient issues DashScope calls with per-call key rotation: each
// request pulls the next rotated key from the cache and builds a fresh
// disposable client for that one call, because authentication headers are
// baked at client construction.
type DynamicClient struct {
	keys     *gateway.KeyCache
	store    *gateway.KeyStore
	baseURL  string
	config   gateway.ClientConfig
	sink     gateway.CallSink
	logger   *zap.Logger
}

// DynamicOption customizes a DynamicClient.
type DynamicOption func(*DynamicClient)

// WithDynamicBaseURL overrides the endpoint root.
func WithDynamicBaseURL(baseURL string) DynamicOption {
	return func(c *DynamicClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithDynamicClientConfig overrides the executor template used for the
// per-call clients.
func WithDynamicClientConfig(cfg gateway.ClientConfig) DynamicOption {
	return func(c *DynamicClient) { c.config = cfg }
}

// WithDynamicCallSink wires the call-log sink into the per-call executors.
func WithDynamicCallSink(sink gateway.CallSink) DynamicOption {
	return func(c *DynamicClient) { c.sink = sink }
}

// WithUsageStore enables best-effort usage_count bumping on success.
func WithUsageStore(store *gateway.KeyStore) DynamicOption {
	return func(c *DynamicClient) { c.store = store }
}

// NewDynamicClient creates a rotating-key client over the given key cache.
func NewDynamicClient(keys *gateway.KeyCache, logger *zap.Logger, opts ...DynamicOption) *DynamicClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &DynamicClient{
		keys:    keys,
		baseURL: DefaultBaseURL,
		config:  gateway.DefaultClientConfig(),
		logger:  logger.With(zap.String("provider", providerTag)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DynamicClient) newKeyClient(apiKey string) *Client {
	opts := []ClientOption{
		WithBaseURL(c.baseURL),
		WithClientConfig(c.config),
		WithLogger(c.logger),
	}
	if c.sink != nil {
		opts = append(opts, WithCallSink(c.sink))
	}
	return NewClient(apiKey, opts...)
}

// ChatWithAutoKey performs a chat completion, switching to the next rotated
// key on failure, up to keyAttempts keys. A rate-limited key is logged but
// not cooled down; subsequent rotations may select it again.
func (c *DynamicClient) ChatWithAutoKey(ctx context.Context, req *ChatRequest, keyAttempts int) (*ChatResponse, error) {
	if keyAttempts < 1 {
		keyAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= keyAttempts; attempt++ {
		apiKey, keyID, ok := c.keys.NextKey(providerTag)
		if !ok {
			return nil, types.NewError(types.ErrNoActiveKeys,
				fmt.Sprintf("no active API keys for provider %q", providerTag)).
				WithProvider(providerTag)
		}

		c.logger.Debug("using rotated API key",
			zap.String("key_id", keyID),
			zap.Int("attempt", attempt))

		resp, err := c.newKeyClient(apiKey).Chat(ctx, req)
		if err == nil {
			c.bumpUsage(keyID)
			return resp, nil
		}

		c.logger.Warn("chat request failed with rotated key",
			zap.String("key_id", keyID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "rate") || strings.Contains(msg, "quota") {
			// 命中频率限制仅记录，key 不做冷却处理
			c.logger.Warn("API key reached rate limit", zap.String("key_id", keyID))
		}

		lastErr = err
		if types.GetErrorCode(err) == types.ErrCancelled || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// ChatStreamWithAutoKey performs a streaming completion with one rotated
// key. Streams are not retried across keys: chunks already delivered cannot
// be replayed.
func (c *DynamicClient) ChatStreamWithAutoKey(ctx context.Context, req *ChatRequest, callback func(*StreamResponse) bool) error {
	apiKey, keyID, ok := c.keys.NextKey(providerTag)
	if !ok {
		return types.NewError(types.ErrNoActiveKeys,
			fmt.Sprintf("no active API keys for provider %q", providerTag)).
			WithProvider(providerTag)
	}

	c.logger.Debug("using rotated API key for stream", zap.String("key_id", keyID))

	err := c.newKeyClient(apiKey).ChatStream(ctx, req, callback)
	if err == nil {
		c.bumpUsage(keyID)
	}
	return err
}

// bumpUsage updates the key's usage statistics asynchronously; the fields
// are observational and eventually consistent.
func (c *DynamicClient) bumpUsage(keyID string) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.BumpUsage(ctx, keyID); err != nil {
			c.logger.Error("failed to bump key usage",
				zap.String("key_id", keyID),
				zap.Error(err))
		}
	}()
}
