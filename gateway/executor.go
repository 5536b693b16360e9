package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgate/types"
)

// TimeoutConfig bounds a single upstream attempt.
type TimeoutConfig struct {
	// Request bounds one attempt: for non-streaming calls the whole
	// request/response, for streaming calls the time until response headers.
	Request time.Duration
	// Connect bounds TCP connection establishment.
	Connect time.Duration
}

// DefaultTimeoutConfig returns timeouts suitable for LLM upstreams.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Request: 180 * time.Second,
		Connect: 30 * time.Second,
	}
}

// RetryConfig controls the executor retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// ExponentialBackoff doubles the delay per retry when set; otherwise the
	// delay is constant BaseDelay.
	ExponentialBackoff bool
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		ExponentialBackoff: true,
	}
}

// ClientConfig is the full executor configuration.
type ClientConfig struct {
	Timeout        TimeoutConfig
	Retry          RetryConfig
	DefaultHeaders map[string]string
	UserAgent      string
}

// DefaultClientConfig returns the default executor configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:   DefaultTimeoutConfig(),
		Retry:     DefaultRetryConfig(),
		UserAgent: "llmgate/1.0",
	}
}

// Metrics are the executor's running statistics. Snapshots are returned by
// value; the live copy is mutex-guarded inside the executor.
type Metrics struct {
	TotalRequests      uint64        `json:"total_requests"`
	SuccessfulRequests uint64        `json:"successful_requests"`
	FailedRequests     uint64        `json:"failed_requests"`
	RetryCount         uint64        `json:"retry_count"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	MaxResponseTime    time.Duration `json:"max_response_time"`
	MinResponseTime    time.Duration `json:"min_response_time"`
}

// RequestContext is the per-dispatch ephemeral state carried through the
// executor: stable request id (assigned once, survives retries), attempt
// bookkeeping, and accumulated output tokens.
type RequestContext struct {
	RequestID    string
	URL          string
	Attempt      int
	MaxAttempts  int
	StartTime    time.Time
	AttemptStart time.Time
	RetryReason  string
	ModelID      string
	TokensOutput int64
	IsStream     bool
}

func (rc *RequestContext) startRetry(reason string) {
	rc.Attempt++
	rc.AttemptStart = time.Now()
	rc.RetryReason = reason
}

// TotalElapsed returns the time since the dispatch started.
func (rc *RequestContext) TotalElapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// AttemptElapsed returns the time since the current attempt started.
func (rc *RequestContext) AttemptElapsed() time.Duration {
	return time.Since(rc.AttemptStart)
}

// IsFinalAttempt reports whether no retry budget remains.
func (rc *RequestContext) IsFinalAttempt() bool {
	return rc.Attempt >= rc.MaxAttempts
}

// AddTokens accumulates output token counts reported by the upstream.
func (rc *RequestContext) AddTokens(n int64) {
	rc.TokensOutput += n
}

type requestIDKey struct{}
type modelIDKey struct{}

// WithRequestID attaches a stable request id to the context. The executor
// adopts it for the call-log record instead of generating its own.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext extracts a request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// WithModelID attaches the model identifier recorded in call logs.
func WithModelID(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelIDKey{}, model)
}

// ModelIDFromContext extracts a model id set by WithModelID.
func ModelIDFromContext(ctx context.Context) (string, bool) {
	m, ok := ctx.Value(modelIDKey{}).(string)
	return m, ok && m != ""
}

// PostResult is the decoded-enough outcome of a non-streaming POST: the
// status code and the full response body.
type PostResult struct {
	StatusCode int
	Body       []byte
}

// Executor is the reusable HTTP client shell: per-attempt timeout, bounded
// retry with backoff, newline-framed streaming, metrics, and synchronous
// call-log emission for every terminal outcome.
type Executor struct {
	client *http.Client
	config ClientConfig
	sink   CallSink
	logger *zap.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(config ClientConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry.MaxAttempts = 1
	}
	if config.Timeout.Request <= 0 {
		config.Timeout.Request = DefaultTimeoutConfig().Request
	}
	if config.Timeout.Connect <= 0 {
		config.Timeout.Connect = DefaultTimeoutConfig().Connect
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultClientConfig().UserAgent
	}

	transport := &http.Transport{
		Proxy: nil, // 不走系统代理，与上游直连
		DialContext: (&net.Dialer{
			Timeout: config.Timeout.Connect,
		}).DialContext,
		MaxIdleConnsPerHost: 8,
	}

	return &Executor{
		client: &http.Client{Transport: transport},
		config: config,
		logger: logger.With(zap.String("component", "http_executor")),
	}
}

// SetCallSink installs the call-log sink. A nil sink disables emission.
func (e *Executor) SetCallSink(sink CallSink) {
	e.sink = sink
}

// HTTPClient exposes the underlying client for auxiliary GET endpoints
// (model listing and the like) that do not need retry semantics.
func (e *Executor) HTTPClient() *http.Client {
	return e.client
}

// Config returns the executor configuration.
func (e *Executor) Config() ClientConfig {
	return e.config
}

// Metrics returns a snapshot of the running statistics.
func (e *Executor) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

func (e *Executor) newRequestContext(ctx context.Context, url string, isStream bool) *RequestContext {
	id, ok := RequestIDFromContext(ctx)
	if !ok {
		id = uuid.NewString()
	}
	model, _ := ModelIDFromContext(ctx)
	now := time.Now()
	return &RequestContext{
		RequestID:    id,
		URL:          url,
		Attempt:      1,
		MaxAttempts:  e.config.Retry.MaxAttempts,
		StartTime:    now,
		AttemptStart: now,
		ModelID:      model,
		IsStream:     isStream,
	}
}

// Post sends a JSON POST with per-attempt timeout and bounded retry. The
// returned body is fully read. Terminal outcomes (success, non-retriable
// failure, retry exhaustion, cancellation) each emit one call-log record
// before returning.
func (e *Executor) Post(ctx context.Context, url string, body any) (*PostResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal request body").WithCause(err)
	}

	rctx := e.newRequestContext(ctx, url, false)
	e.logger.Info("starting HTTP request",
		zap.String("request_id", rctx.RequestID),
		zap.String("url", url),
		zap.Int("max_attempts", rctx.MaxAttempts))

	for {
		if rctx.Attempt > 1 {
			if terminal := e.sleepBeforeRetry(ctx, rctx); terminal != nil {
				e.failTerminal(ctx, rctx, 0, terminal)
				return nil, terminal
			}
		}

		result, attemptErr := e.doAttempt(ctx, url, payload)
		if attemptErr == nil && result.StatusCode < 400 {
			e.logger.Info("request completed successfully",
				zap.String("request_id", rctx.RequestID),
				zap.Int("attempt", rctx.Attempt),
				zap.Int64("total_elapsed_ms", rctx.TotalElapsed().Milliseconds()))
			e.updateSuccessMetrics(rctx.TotalElapsed())
			e.emitCallLog(ctx, rctx, int64(result.StatusCode), "")
			return result, nil
		}

		var failure *types.Error
		var status int64
		if attemptErr == nil {
			failure = mapUpstreamStatus(result.StatusCode, string(result.Body))
			status = int64(result.StatusCode)
			e.logger.Error("LLM API error occurred",
				zap.String("request_id", rctx.RequestID),
				zap.Int("attempt", rctx.Attempt),
				zap.Int("status_code", result.StatusCode),
				zap.String("error_message", truncate(string(result.Body), 512)))
		} else {
			failure = attemptErr
			e.logger.Error("request attempt failed",
				zap.String("request_id", rctx.RequestID),
				zap.Int("attempt", rctx.Attempt),
				zap.String("error_type", string(failure.Code)),
				zap.Error(failure))
		}

		if done, terminalErr := e.resolveFailure(ctx, rctx, failure); done {
			e.failTerminal(ctx, rctx, status, terminalErr)
			return nil, terminalErr
		}
	}
}

// PostStream sends a JSON POST and consumes the response body as
// newline-delimited chunks. Each trimmed non-empty line is delivered to
// onLine; returning false stops the stream gracefully (success). A chunk
// containing "done":true marks logical completion; its eval_count field, if
// present, is added to the accumulated output tokens. Stream errors mid-body
// restart the whole request under the retry policy — lines already delivered
// are not replayed.
func (e *Executor) PostStream(ctx context.Context, url string, body any, onLine func(line string) bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal request body").WithCause(err)
	}

	rctx := e.newRequestContext(ctx, url, true)
	e.logger.Info("starting HTTP stream request",
		zap.String("request_id", rctx.RequestID),
		zap.String("url", url),
		zap.Int("max_attempts", rctx.MaxAttempts))

	for {
		if rctx.Attempt > 1 {
			if terminal := e.sleepBeforeRetry(ctx, rctx); terminal != nil {
				e.failTerminal(ctx, rctx, 0, terminal)
				return terminal
			}
		}

		resp, attemptErr := e.startStreamAttempt(ctx, url, payload)
		if attemptErr != nil {
			e.logger.Error("stream attempt failed",
				zap.String("request_id", rctx.RequestID),
				zap.Int("attempt", rctx.Attempt),
				zap.Error(attemptErr))
			if done, terminalErr := e.resolveFailure(ctx, rctx, attemptErr); done {
				e.failTerminal(ctx, rctx, 0, terminalErr)
				return terminalErr
			}
			continue
		}

		if resp.StatusCode >= 400 {
			errText := readBodyText(resp.Body)
			resp.Body.Close()
			failure := mapUpstreamStatus(resp.StatusCode, errText)
			e.logger.Error("LLM API error occurred",
				zap.String("request_id", rctx.RequestID),
				zap.Int("attempt", rctx.Attempt),
				zap.Int("status_code", resp.StatusCode),
				zap.String("error_message", truncate(errText, 512)))
			if done, terminalErr := e.resolveFailure(ctx, rctx, failure); done {
				e.failTerminal(ctx, rctx, int64(resp.StatusCode), terminalErr)
				return terminalErr
			}
			continue
		}

		finished, streamErr := e.consumeStream(ctx, rctx, resp.Body, onLine)
		resp.Body.Close()
		if finished {
			e.logger.Info("stream processing completed",
				zap.String("request_id", rctx.RequestID),
				zap.Int64("tokens_output", rctx.TokensOutput),
				zap.Int64("total_elapsed_ms", rctx.TotalElapsed().Milliseconds()))
			e.updateSuccessMetrics(rctx.TotalElapsed())
			e.emitCallLog(ctx, rctx, http.StatusOK, "")
			return nil
		}

		// 流中途断开：整个请求按重试策略重来，已交付的行不会重放
		if done, terminalErr := e.resolveFailure(ctx, rctx, streamErr); done {
			e.failTerminal(ctx, rctx, 0, terminalErr)
			return terminalErr
		}
	}
}

// doAttempt performs one non-streaming attempt under the per-attempt timeout,
// reading the body to completion.
func (e *Executor) doAttempt(ctx context.Context, url string, payload []byte) (*PostResult, *types.Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout.Request)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build request").WithCause(err)
	}
	e.applyHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, e.classifyTransportError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.classifyTransportError(ctx, attemptCtx, err)
	}
	return &PostResult{StatusCode: resp.StatusCode, Body: data}, nil
}

// startStreamAttempt issues the request with the per-attempt timeout covering
// only the wait for response headers; once streaming begins, the body read is
// bounded by the caller's context alone.
func (e *Executor) startStreamAttempt(ctx context.Context, url string, payload []byte) (*http.Response, *types.Error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	var headerTimeout atomic.Bool
	timer := time.AfterFunc(e.config.Timeout.Request, func() {
		headerTimeout.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, types.NewError(types.ErrInternal, "build request").WithCause(err)
	}
	e.applyHeaders(req)

	resp, err := e.client.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		if headerTimeout.Load() {
			return nil, types.NewError(types.ErrTimeout,
				fmt.Sprintf("request timeout after %s", e.config.Timeout.Request)).
				WithRetryable(true).WithCause(err)
		}
		return nil, e.classifyTransportError(ctx, attemptCtx, err)
	}

	// cancel is deliberately left to the response body lifetime: closing the
	// body releases the connection, and attemptCtx remains a child of ctx so
	// caller cancellation still aborts the read.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// consumeStream reads newline-framed chunks. It returns finished=true on
// graceful completion (EOF or callback stop) and a classified error otherwise.
func (e *Executor) consumeStream(ctx context.Context, rctx *RequestContext, body io.Reader, onLine func(string) bool) (bool, *types.Error) {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			if strings.Contains(trimmed, `"done":true`) || strings.Contains(trimmed, `"done": true`) {
				rctx.AddTokens(extractEvalCount(trimmed))
			}
			if !onLine(trimmed) {
				e.logger.Info("stream processing stopped by callback",
					zap.String("request_id", rctx.RequestID))
				return true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, nil
			}
			return false, e.classifyTransportError(ctx, ctx, err)
		}
	}
}

// extractEvalCount parses the eval_count field out of a completion chunk.
func extractEvalCount(line string) int64 {
	var chunk struct {
		EvalCount *int64 `json:"eval_count"`
	}
	if err := json.Unmarshal([]byte(line), &chunk); err != nil || chunk.EvalCount == nil {
		return 0
	}
	return *chunk.EvalCount
}

func (e *Executor) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)
	for k, v := range e.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
}

// classifyTransportError maps a transport-level failure to the error
// taxonomy: caller cancellation, per-attempt timeout, or network error.
func (e *Executor) classifyTransportError(ctx, attemptCtx context.Context, err error) *types.Error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err)
		}
		return types.NewError(types.ErrTimeout, "deadline exceeded").WithCause(err)
	}
	if attemptCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout,
			fmt.Sprintf("request timeout after %s", e.config.Timeout.Request)).
			WithRetryable(true).WithCause(err)
	}
	return types.NewError(types.ErrNetwork, "network error").
		WithRetryable(true).WithCause(err)
}

// mapUpstreamStatus maps an HTTP error status to the taxonomy: 5xx is a
// retriable server error, 4xx a terminal API error.
func mapUpstreamStatus(status int, message string) *types.Error {
	if status >= 500 {
		return types.NewError(types.ErrUpstreamServer, truncate(message, 1024)).
			WithHTTPStatus(status).WithRetryable(true)
	}
	return types.NewError(types.ErrUpstreamAPI, truncate(message, 1024)).
		WithHTTPStatus(status)
}

// resolveFailure decides whether a failed attempt ends the request. It
// returns done=true with the terminal error, or prepares the next retry.
func (e *Executor) resolveFailure(ctx context.Context, rctx *RequestContext, failure *types.Error) (bool, *types.Error) {
	if failure.Code == types.ErrCancelled {
		return true, failure
	}
	if !failure.Retryable {
		return true, failure
	}
	if rctx.IsFinalAttempt() || ctx.Err() != nil {
		e.logger.Error("all retry attempts exhausted",
			zap.String("request_id", rctx.RequestID),
			zap.Int("total_attempts", rctx.Attempt),
			zap.Int64("total_elapsed_ms", rctx.TotalElapsed().Milliseconds()),
			zap.Error(failure))
		return true, types.NewError(types.ErrRetryExhausted,
			fmt.Sprintf("retry exhausted after %d attempts", rctx.Attempt)).
			WithCause(failure)
	}
	rctx.startRetry(string(failure.Code))
	return false, nil
}

// sleepBeforeRetry waits out the backoff delay, honouring cancellation.
func (e *Executor) sleepBeforeRetry(ctx context.Context, rctx *RequestContext) *types.Error {
	delay := e.backoffDelay(rctx.Attempt - 1)
	e.logger.Warn("retrying request after error",
		zap.String("request_id", rctx.RequestID),
		zap.Int("attempt", rctx.Attempt),
		zap.Int("max_attempts", rctx.MaxAttempts),
		zap.Duration("delay", delay),
		zap.String("retry_reason", rctx.RetryReason))

	e.mu.Lock()
	e.metrics.RetryCount++
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return types.NewError(types.ErrCancelled, "request cancelled").WithCause(ctx.Err())
		}
		return types.NewError(types.ErrTimeout, "deadline exceeded").WithCause(ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// backoffDelay computes the delay before the given retry (1-based):
// min(base * 2^(retry-1), max) when exponential, else the constant base.
func (e *Executor) backoffDelay(retry int) time.Duration {
	base := e.config.Retry.BaseDelay
	max := e.config.Retry.MaxDelay
	if !e.config.Retry.ExponentialBackoff {
		return base
	}
	if retry < 1 {
		retry = 1
	}
	shift := retry - 1
	if shift > 30 {
		shift = 30
	}
	delay := base << uint(shift)
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// failTerminal updates failure metrics and emits the terminal call-log
// record. Cancellation records the literal "cancelled" message.
func (e *Executor) failTerminal(ctx context.Context, rctx *RequestContext, status int64, terminal *types.Error) {
	e.mu.Lock()
	e.metrics.TotalRequests++
	e.metrics.FailedRequests++
	e.mu.Unlock()

	msg := terminal.Error()
	switch {
	case terminal.Code == types.ErrCancelled:
		msg = "cancelled"
		status = 0
	case terminal.Code == types.ErrRetryExhausted:
		// 预算耗尽没有单一的上游状态可记
		status = 0
	case terminal.HTTPStatus != 0:
		status = int64(terminal.HTTPStatus)
	}
	e.emitCallLog(ctx, rctx, status, msg)
}

func (e *Executor) updateSuccessMetrics(responseTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.TotalRequests++
	e.metrics.SuccessfulRequests++

	n := e.metrics.SuccessfulRequests
	if n == 1 {
		e.metrics.MinResponseTime = responseTime
		e.metrics.MaxResponseTime = responseTime
		e.metrics.AvgResponseTime = responseTime
		return
	}
	if responseTime < e.metrics.MinResponseTime {
		e.metrics.MinResponseTime = responseTime
	}
	if responseTime > e.metrics.MaxResponseTime {
		e.metrics.MaxResponseTime = responseTime
	}
	total := e.metrics.AvgResponseTime*time.Duration(n-1) + responseTime
	e.metrics.AvgResponseTime = total / time.Duration(n)
}

// emitCallLog writes the terminal record synchronously. The sink is
// best-effort; a detached context keeps the write alive past cancellation.
func (e *Executor) emitCallLog(ctx context.Context, rctx *RequestContext, status int64, errMsg string) {
	if e.sink == nil {
		return
	}
	rec := &CallLog{
		ID:            rctx.RequestID,
		StatusCode:    status,
		TotalDuration: rctx.TotalElapsed().Milliseconds(),
		TokensOutput:  rctx.TokensOutput,
	}
	if rctx.ModelID != "" {
		model := rctx.ModelID
		rec.ModelID = &model
	}
	if errMsg != "" {
		msg := errMsg
		rec.ErrorMessage = &msg
	}
	e.sink.Append(context.WithoutCancel(ctx), rec)
}

func readBodyText(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
