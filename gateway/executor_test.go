package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmgate/types"
)

// memorySink captures call-log records in memory.
type memorySink struct {
	mu   sync.Mutex
	recs []CallLog
}

func (s *memorySink) Append(_ context.Context, rec *CallLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, *rec)
}

func (s *memorySink) records() []CallLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallLog, len(s.recs))
	copy(out, s.recs)
	return out
}

func fastExecutor(t *testing.T, maxAttempts int, sink CallSink) *Executor {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.Retry = RetryConfig{
		MaxAttempts:        maxAttempts,
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		ExponentialBackoff: true,
	}
	cfg.Timeout = TimeoutConfig{Request: 2 * time.Second, Connect: time.Second}
	e := NewExecutor(cfg, nil)
	if sink != nil {
		e.SetCallSink(sink)
	}
	return e
}

func TestPostSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	result, err := e.Post(context.Background(), server.URL, map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(result.Body))
	assert.EqualValues(t, 1, calls.Load())

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 200, recs[0].StatusCode)
	assert.Nil(t, recs[0].ErrorMessage)

	m := e.Metrics()
	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 1, m.SuccessfulRequests)
	assert.EqualValues(t, 0, m.RetryCount)
}

func TestPostRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	result, err := e.Post(context.Background(), server.URL, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.EqualValues(t, 3, calls.Load())

	// 503, 503, 200：两次重试，一条成功调用日志
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 200, recs[0].StatusCode)

	m := e.Metrics()
	assert.EqualValues(t, 2, m.RetryCount)
	assert.EqualValues(t, 1, m.SuccessfulRequests)
}

func TestPostRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	_, err := e.Post(context.Background(), server.URL, struct{}{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))
	assert.EqualValues(t, 3, calls.Load(), "mock returning 503 must be invoked exactly max_attempts times")

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 0, recs[0].StatusCode)
	require.NotNil(t, recs[0].ErrorMessage)
	assert.NotEmpty(t, *recs[0].ErrorMessage)

	m := e.Metrics()
	assert.EqualValues(t, 1, m.FailedRequests)
}

func TestPostNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	_, err := e.Post(context.Background(), server.URL, struct{}{})
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrUpstreamAPI, typed.Code)
	assert.Equal(t, http.StatusBadRequest, typed.HTTPStatus)
	assert.EqualValues(t, 1, calls.Load(), "HTTP 400 must be invoked exactly once")

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 400, recs[0].StatusCode)
}

func TestPostPerAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.Timeout = TimeoutConfig{Request: 30 * time.Millisecond, Connect: time.Second}
	sink := &memorySink{}
	e := NewExecutor(cfg, nil)
	e.SetCallSink(sink)

	_, err := e.Post(context.Background(), server.URL, struct{}{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetryExhausted, types.GetErrorCode(err))
	assert.EqualValues(t, 2, calls.Load(), "per-attempt timeout is retriable")

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	cause, ok := typed.Cause.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrTimeout, cause.Code)
}

func TestPostCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(time.Second)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := e.Post(ctx, server.URL, struct{}{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))

	// 取消不重试，且仍然写入一条 "cancelled" 调用日志
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 0, recs[0].StatusCode)
	require.NotNil(t, recs[0].ErrorMessage)
	assert.Equal(t, "cancelled", *recs[0].ErrorMessage)
}

func TestBackoffMonotonicity(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Retry = RetryConfig{
		MaxAttempts:        10,
		BaseDelay:          100 * time.Millisecond,
		MaxDelay:           time.Hour, // effectively unbounded
		ExponentialBackoff: true,
	}
	e := NewExecutor(cfg, nil)

	prev := time.Duration(0)
	for retry := 1; retry <= 8; retry++ {
		delay := e.backoffDelay(retry)
		assert.Greater(t, delay, prev, "delay_%d must exceed delay_%d", retry, retry-1)
		prev = delay
	}
	assert.Equal(t, 100*time.Millisecond, e.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, e.backoffDelay(2))
}

func TestBackoffCapAndConstant(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Retry = RetryConfig{
		MaxAttempts:        5,
		BaseDelay:          time.Second,
		MaxDelay:           2 * time.Second,
		ExponentialBackoff: true,
	}
	e := NewExecutor(cfg, nil)
	assert.Equal(t, 2*time.Second, e.backoffDelay(3), "backoff is capped at max delay")

	cfg.Retry.ExponentialBackoff = false
	e = NewExecutor(cfg, nil)
	assert.Equal(t, time.Second, e.backoffDelay(5), "constant backoff ignores the attempt")
}

func TestRequestIDSurvivesRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	ctx := WithRequestID(context.Background(), "req-stable-1")
	_, err := e.Post(ctx, server.URL, struct{}{})
	require.Error(t, err)

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "req-stable-1", recs[0].ID)
}

func TestPostStreamLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("{\"message\":{\"content\":\"hel\"},\"done\":false}\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("{\"message\":{\"content\":\"lo\"},\"done\":false}\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("{\"done\":true,\"eval_count\":42}\n"))
		flusher.Flush()
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	var lines []string
	err := e.PostStream(context.Background(), server.URL, struct{}{}, func(line string) bool {
		lines = append(lines, line)
		return true
	})
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	// done:true 触发调用日志，eval_count 计入 tokens_output
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 200, recs[0].StatusCode)
	assert.EqualValues(t, 42, recs[0].TokensOutput)
}

func TestPostStreamCallbackStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte("{\"message\":{\"content\":\"x\"},\"done\":false}\n"))
			flusher.Flush()
		}
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	seen := 0
	err := e.PostStream(context.Background(), server.URL, struct{}{}, func(line string) bool {
		seen++
		return seen < 3
	})
	require.NoError(t, err, "callback returning false terminates the stream gracefully")
	assert.Equal(t, 3, seen)

	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 200, recs[0].StatusCode)
}

func TestPostStreamFinalResidue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 最后一行没有换行符，EOF 时仍需转发
		_, _ = w.Write([]byte("{\"a\":1}\n{\"trailing\":true}"))
	}))
	defer server.Close()

	e := fastExecutor(t, 1, nil)

	var lines []string
	err := e.PostStream(context.Background(), server.URL, struct{}{}, func(line string) bool {
		lines = append(lines, line)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"trailing":true}`}, lines)
}

func TestPostStreamRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("{\"done\":true}\n"))
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	var lines []string
	err := e.PostStream(context.Background(), server.URL, struct{}{}, func(line string) bool {
		lines = append(lines, line)
		return true
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, lines, 1)
}

func TestPostStreamNonRetriableStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	err := e.PostStream(context.Background(), server.URL, struct{}{}, func(string) bool { return true })
	require.Error(t, err)

	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.ErrUpstreamAPI, typed.Code)
	assert.EqualValues(t, 1, calls.Load())

	// 流式中断也必须产生终态调用日志
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.EqualValues(t, 401, recs[0].StatusCode)
}

func TestPostStreamCancellationEmitsCallLog(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("{\"message\":{\"content\":\"x\"},\"done\":false}\n"))
		flusher.Flush()
		close(started)
		time.Sleep(time.Second)
	}))
	defer server.Close()

	sink := &memorySink{}
	e := fastExecutor(t, 3, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := e.PostStream(ctx, server.URL, struct{}{}, func(string) bool { return true })
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))

	recs := sink.records()
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].ErrorMessage)
	assert.Equal(t, "cancelled", *recs[0].ErrorMessage)
}
