package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/internal/cache"
	"github.com/BaSui01/llmgate/internal/metrics"
	"github.com/BaSui01/llmgate/types"
)

// DispatchConfig carries the dispatcher defaults and fallback policy.
type DispatchConfig struct {
	DefaultTimeoutMS   int64      `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	DefaultRetryCount  int        `yaml:"default_retry_count" json:"default_retry_count"`
	DefaultTemperature float32    `yaml:"default_temperature" json:"default_temperature"`
	EnableFallback     bool       `yaml:"enable_fallback" json:"enable_fallback"`
	FallbackProviders  []Provider `yaml:"fallback_providers" json:"fallback_providers"`
}

// DefaultDispatchConfig returns the default dispatch configuration.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		DefaultTimeoutMS:   30000,
		DefaultRetryCount:  3,
		DefaultTemperature: 0.7,
		EnableFallback:     true,
		FallbackProviders:  []Provider{ProviderOllama, ProviderAli},
	}
}

// Dispatcher is the public entry point of the gateway: it validates unified
// requests, applies defaults, routes to the adapter registered for the
// provider, and falls back across providers on failure.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[Provider]Adapter

	config        DispatchConfig
	sink          CallSink
	modelCache    *cache.Manager
	modelCacheTTL time.Duration
	collector     *metrics.Collector
	tracer        trace.Tracer
	logger        *zap.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCallSink installs the sink that records dispatches failing before any
// upstream attempt (validation, routing, key selection). Upstream attempts
// are recorded by the executor.
func WithCallSink(sink CallSink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithModelCache caches ListModels results in Redis with the given TTL.
func WithModelCache(m *cache.Manager, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.modelCache = m
		d.modelCacheTTL = ttl
	}
}

// WithCollector wires the Prometheus collector for dispatch metrics.
func WithCollector(c *metrics.Collector) DispatcherOption {
	return func(d *Dispatcher) { d.collector = c }
}

// NewDispatcher creates a dispatcher with the given configuration.
func NewDispatcher(config DispatchConfig, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(config.FallbackProviders) == 0 {
		config.FallbackProviders = DefaultDispatchConfig().FallbackProviders
	}
	d := &Dispatcher{
		adapters: make(map[Provider]Adapter),
		config:   config,
		tracer:   otel.Tracer("github.com/BaSui01/llmgate/gateway"),
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterAdapter registers (or replaces) the adapter for its provider tag.
// Registrations are shared for the process lifetime.
func (d *Dispatcher) RegisterAdapter(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.ProviderTag()] = a
	d.logger.Info("adapter registered", zap.String("provider", string(a.ProviderTag())))
}

// RegisterAdapters registers a batch of adapters.
func (d *Dispatcher) RegisterAdapters(adapters []Adapter) {
	for _, a := range adapters {
		d.RegisterAdapter(a)
	}
}

// IsProviderAvailable reports whether an adapter is registered for the tag.
func (d *Dispatcher) IsProviderAvailable(p Provider) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.adapters[p]
	return ok
}

// adapter returns the registered adapter for the provider.
func (d *Dispatcher) adapter(p Provider) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[p]
	return a, ok
}

// Dispatch routes one unified chat request to its provider, retrying and
// falling back per configuration. It returns the first success, or the
// original provider's error when every fallback also fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	requestID, ok := RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
		ctx = WithRequestID(ctx, requestID)
	}

	ctx, span := d.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("llm.provider", string(req.Provider)),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	d.applyDefaults(req)
	if err := d.validate(req); err != nil {
		d.recordPreflightFailure(ctx, requestID, req, err)
		d.observe(span, req.Provider, start, err)
		return nil, err
	}

	resp, err := d.dispatchInternal(ctx, req, requestID)

	if err != nil && d.config.EnableFallback && types.AllowsFallback(types.GetErrorCode(err)) {
		if fbResp, fbOK := d.tryFallback(ctx, req, requestID); fbOK {
			resp, err = fbResp, nil
		}
	}

	d.observe(span, req.Provider, start, err)
	if err != nil {
		return nil, err
	}
	resp.RequestID = requestID
	return resp, nil
}

// DispatchStream routes a streaming request. Streaming does not fall back:
// once chunks may have been delivered, switching providers would replay
// nothing and confuse the consumer.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	requestID, ok := RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
		ctx = WithRequestID(ctx, requestID)
	}

	d.applyDefaults(req)
	if err := d.validate(req); err != nil {
		d.recordPreflightFailure(ctx, requestID, req, err)
		return nil, err
	}

	adapter, found := d.adapter(req.Provider)
	if !found {
		err := unsupportedProvider(req.Provider)
		d.recordPreflightFailure(ctx, requestID, req, err)
		return nil, err
	}
	if err := checkModel(adapter, req); err != nil {
		d.recordPreflightFailure(ctx, requestID, req, err)
		return nil, err
	}

	ctx = WithModelID(ctx, req.Model)
	return adapter.GenerateStream(ctx, req)
}

// ListModels returns the advisory model lists, keyed by provider. Results
// are served from the Redis cache when one is configured.
func (d *Dispatcher) ListModels(ctx context.Context, provider *Provider) map[Provider][]string {
	cacheKey := "llmgate:models:all"
	if provider != nil {
		cacheKey = "llmgate:models:" + string(*provider)
	}
	if d.modelCache != nil {
		var cached map[Provider][]string
		if err := d.modelCache.GetJSON(ctx, cacheKey, &cached); err == nil {
			return cached
		} else if !cache.IsCacheMiss(err) {
			d.logger.Warn("model cache read failed", zap.Error(err))
		}
	}

	result := make(map[Provider][]string)
	d.mu.RLock()
	if provider != nil {
		if a, ok := d.adapters[*provider]; ok {
			result[*provider] = a.SupportedModels()
		}
	} else {
		for tag, a := range d.adapters {
			result[tag] = a.SupportedModels()
		}
	}
	d.mu.RUnlock()

	if d.modelCache != nil {
		if err := d.modelCache.SetJSON(ctx, cacheKey, result, d.modelCacheTTL); err != nil {
			d.logger.Warn("model cache write failed", zap.Error(err))
		}
	}
	return result
}

// Config returns the dispatch configuration.
func (d *Dispatcher) Config() DispatchConfig {
	return d.config
}

func (d *Dispatcher) dispatchInternal(ctx context.Context, req *Request, requestID string) (*Response, error) {
	adapter, found := d.adapter(req.Provider)
	if !found {
		err := unsupportedProvider(req.Provider)
		d.recordPreflightFailure(ctx, requestID, req, err)
		return nil, err
	}
	if err := checkModel(adapter, req); err != nil {
		d.recordPreflightFailure(ctx, requestID, req, err)
		return nil, err
	}

	ctx = WithModelID(ctx, req.Model)
	resp, err := adapter.Generate(ctx, req)
	if err != nil {
		// 密钥选择失败不会产生上游调用，在这里补记调用日志
		if types.GetErrorCode(err) == types.ErrNoActiveKeys {
			d.recordPreflightFailure(ctx, requestID, req, err)
		}
		return nil, err
	}
	return resp, nil
}

// tryFallback walks the configured fallback providers in order, skipping the
// original. The first success wins; otherwise the caller keeps the original
// error.
func (d *Dispatcher) tryFallback(ctx context.Context, req *Request, requestID string) (*Response, bool) {
	for _, fb := range d.config.FallbackProviders {
		if fb == req.Provider {
			continue
		}
		fbReq := *req
		fbReq.Provider = fb

		d.logger.Warn("falling back to alternate provider",
			zap.String("from", string(req.Provider)),
			zap.String("to", string(fb)))
		if d.collector != nil {
			d.collector.ObserveFallback(string(req.Provider), string(fb))
		}

		resp, err := d.dispatchInternal(ctx, &fbReq, requestID)
		if err == nil {
			return resp, true
		}
		d.logger.Warn("fallback provider failed",
			zap.String("provider", string(fb)),
			zap.Error(err))
	}
	return nil, false
}

func (d *Dispatcher) applyDefaults(req *Request) {
	if req.Temperature == nil {
		t := d.config.DefaultTemperature
		req.Temperature = &t
	}
	if req.TimeoutMS == nil {
		ms := d.config.DefaultTimeoutMS
		req.TimeoutMS = &ms
	}
	if req.RetryCount == nil {
		n := d.config.DefaultRetryCount
		req.RetryCount = &n
	}
}

func (d *Dispatcher) validate(req *Request) error {
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidParameters, "messages cannot be empty")
	}
	if req.Model == "" {
		return types.NewError(types.ErrInvalidParameters, "model cannot be empty")
	}
	if req.Temperature != nil {
		if t := *req.Temperature; t < 0.0 || t > 2.0 {
			return types.NewError(types.ErrInvalidParameters,
				fmt.Sprintf("temperature must be between 0.0 and 2.0, got %v", t))
		}
	}
	return nil
}

// recordPreflightFailure emits the call-log record for a dispatch that fails
// before any upstream attempt. Best-effort, like all call logging.
func (d *Dispatcher) recordPreflightFailure(ctx context.Context, requestID string, req *Request, err error) {
	if d.sink == nil {
		return
	}
	msg := err.Error()
	rec := &CallLog{
		ID:           requestID,
		StatusCode:   0,
		ErrorMessage: &msg,
	}
	if req.Model != "" {
		model := req.Model
		rec.ModelID = &model
	}
	d.sink.Append(context.WithoutCancel(ctx), rec)
}

func (d *Dispatcher) observe(span trace.Span, provider Provider, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(types.GetErrorCode(err))
		if outcome == "" {
			outcome = "error"
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if d.collector != nil {
		d.collector.ObserveDispatch(string(provider), outcome, time.Since(start))
	}
}

func unsupportedProvider(p Provider) *types.Error {
	return types.NewError(types.ErrUnsupportedProvider,
		fmt.Sprintf("no adapter registered for provider %q", p))
}

func checkModel(a Adapter, req *Request) error {
	models := a.SupportedModels()
	if len(models) == 0 {
		return nil
	}
	for _, m := range models {
		if m == req.Model {
			return nil
		}
	}
	return types.NewError(types.ErrModelNotAvailable,
		fmt.Sprintf("model %q not available on provider %q", req.Model, req.Provider)).
		WithProvider(string(req.Provider))
}
