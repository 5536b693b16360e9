package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/providers/ali"
	"github.com/BaSui01/llmgate/providers/ollama"
	"github.com/BaSui01/llmgate/types"
)

func newTestRegistry() prometheus.Registerer {
	return prometheus.NewRegistry()
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&gateway.ProviderKey{}, &gateway.CallLog{}))
	return db
}

func fastClientConfig() gateway.ClientConfig {
	cfg := gateway.DefaultClientConfig()
	cfg.Retry = gateway.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.Timeout = gateway.TimeoutConfig{Request: 5 * time.Second, Connect: time.Second}
	return cfg
}

// dashScopeStub serves the OpenAI-compatible chat completions endpoint and
// records the bearer key of every request.
type dashScopeStub struct {
	mu       sync.Mutex
	keysSeen []string
	status   int
}

func (s *dashScopeStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.keysSeen = append(s.keysSeen, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if s.status != 0 {
			http.Error(w, "stub failure", s.status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-123",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "qwen-plus",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "你好，我是通义千问"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 12, "total_tokens": 17},
		})
	}
}

func (s *dashScopeStub) keyCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, k := range s.keysSeen {
		counts[k]++
	}
	return counts
}

func ollamaStub() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":            "llama3",
			"created_at":       time.Now().Format(time.RFC3339Nano),
			"message":          map[string]any{"role": "assistant", "content": "hello from ollama"},
			"done":             true,
			"eval_count":       7,
			"prompt_eval_count": 3,
		})
	}
}

func seedAliKeys(t *testing.T, store *gateway.KeyStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := store.CreateFromRaw(context.Background(),
			fmt.Sprintf("ali-key-%d", i), "ali", fmt.Sprintf("sk-ali-%d", i), true, gateway.KeyLimits{})
		require.NoError(t, err)
	}
}

// Single success: one active key, adapter succeeds, counter 0 -> 1,
// exactly one call-log row with status 200.
func TestScenarioSingleSuccess(t *testing.T) {
	stub := &dashScopeStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	db := openTestDB(t)
	store := gateway.NewKeyStore(db, nil)
	seedAliKeys(t, store, 1)

	cache := gateway.NewKeyCache(gateway.KeyCacheConfig{}, nil)
	require.NoError(t, cache.Preload(context.Background(), store))
	require.EqualValues(t, 0, cache.Counter("ali"))

	callLogs := gateway.NewCallLogStore(db, nil)

	adapter := ali.NewPoolAdapter(cache, 2, nil,
		ali.WithDynamicBaseURL(server.URL),
		ali.WithDynamicClientConfig(fastClientConfig()),
		ali.WithDynamicCallSink(callLogs))

	cfg := gateway.DefaultDispatchConfig()
	cfg.EnableFallback = false
	d := gateway.NewDispatcher(cfg, nil, gateway.WithCallSink(callLogs))
	d.RegisterAdapter(adapter)

	resp, err := d.Dispatch(context.Background(),
		gateway.NewRequest(gateway.ProviderAli, "qwen-plus", []types.Message{types.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, gateway.ProviderAli, resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 17, resp.Usage.TotalTokens)

	assert.EqualValues(t, 1, cache.Counter("ali"))

	recs, err := callLogs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 200, recs[0].StatusCode)
}

// Round-robin under load: 3 active keys, 9 parallel dispatches, each key
// used exactly 3 times, final counter 9.
func TestScenarioRoundRobinUnderLoad(t *testing.T) {
	stub := &dashScopeStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	db := openTestDB(t)
	store := gateway.NewKeyStore(db, nil)
	seedAliKeys(t, store, 3)

	cache := gateway.NewKeyCache(gateway.KeyCacheConfig{}, nil)
	require.NoError(t, cache.Preload(context.Background(), store))

	adapter := ali.NewPoolAdapter(cache, 3, nil,
		ali.WithDynamicBaseURL(server.URL),
		ali.WithDynamicClientConfig(fastClientConfig()))

	cfg := gateway.DefaultDispatchConfig()
	cfg.EnableFallback = false
	d := gateway.NewDispatcher(cfg, nil)
	d.RegisterAdapter(adapter)

	const parallel = 9
	var wg sync.WaitGroup
	errs := make(chan error, parallel)
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(),
				gateway.NewRequest(gateway.ProviderAli, "qwen-plus", []types.Message{types.NewUserMessage("hi")}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, parallel, cache.Counter("ali"))

	counts := stub.keyCounts()
	require.Len(t, counts, 3)
	for key, n := range counts {
		assert.Equal(t, 3, n, "key %s must be used exactly 3 times", key)
	}
}

// Fallback: ali erroring out, ollama succeeding; the caller receives
// ollama's response.
func TestScenarioFallback(t *testing.T) {
	aliStub := &dashScopeStub{status: http.StatusInternalServerError}
	aliServer := httptest.NewServer(aliStub.handler())
	defer aliServer.Close()

	ollamaServer := httptest.NewServer(ollamaStub())
	defer ollamaServer.Close()

	db := openTestDB(t)
	store := gateway.NewKeyStore(db, nil)
	seedAliKeys(t, store, 1)

	cache := gateway.NewKeyCache(gateway.KeyCacheConfig{}, nil)
	require.NoError(t, cache.Preload(context.Background(), store))

	aliAdapter := ali.NewPoolAdapter(cache, 1, nil,
		ali.WithDynamicBaseURL(aliServer.URL),
		ali.WithDynamicClientConfig(fastClientConfig()))

	ollamaClient := ollama.NewClient(ollamaServer.URL, nil,
		ollama.WithClientConfig(fastClientConfig()))
	ollamaAdapter := ollama.NewAdapter(ollamaClient, nil, ollama.WithModels(nil))

	cfg := gateway.DefaultDispatchConfig()
	cfg.EnableFallback = true
	cfg.FallbackProviders = []gateway.Provider{gateway.ProviderOllama}
	d := gateway.NewDispatcher(cfg, nil)
	d.RegisterAdapters([]gateway.Adapter{aliAdapter, ollamaAdapter})

	resp, err := d.Dispatch(context.Background(),
		gateway.NewRequest(gateway.ProviderAli, "qwen-plus", []types.Message{types.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, gateway.ProviderOllama, resp.Provider)
	assert.Equal(t, "hello from ollama", resp.Content)
}

// No active keys: deactivating every key yields NO_ACTIVE_KEYS without an
// upstream call, and the failure is call-logged.
func TestScenarioNoActiveKeys(t *testing.T) {
	stub := &dashScopeStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	db := openTestDB(t)
	store := gateway.NewKeyStore(db, nil)
	seedAliKeys(t, store, 1)

	cache := gateway.NewKeyCache(gateway.KeyCacheConfig{}, nil)
	require.NoError(t, cache.Preload(context.Background(), store))

	_, err := store.ToggleActive(context.Background(), "ali-key-1", false)
	require.NoError(t, err)
	require.NoError(t, cache.Reload(context.Background(), store, "ali"))

	callLogs := gateway.NewCallLogStore(db, nil)
	adapter := ali.NewPoolAdapter(cache, 1, nil,
		ali.WithDynamicBaseURL(server.URL),
		ali.WithDynamicClientConfig(fastClientConfig()))

	cfg := gateway.DefaultDispatchConfig()
	cfg.EnableFallback = false
	d := gateway.NewDispatcher(cfg, nil, gateway.WithCallSink(callLogs))
	d.RegisterAdapter(adapter)

	_, err = d.Dispatch(context.Background(),
		gateway.NewRequest(gateway.ProviderAli, "qwen-plus", []types.Message{types.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.Equal(t, types.ErrNoActiveKeys, types.GetErrorCode(err))
	assert.Empty(t, stub.keyCounts(), "no upstream call may happen without a key")

	recs, err := callLogs.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 0, recs[0].StatusCode)
}

// Core assembly: NewCore opens the store, preloads the cache, and serves a
// dispatch end to end.
func TestCoreEndToEnd(t *testing.T) {
	stub := &dashScopeStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	dsn := t.TempDir() + "/llmgate-test.db"

	seedCtx := context.Background()
	seedDB, err := gateway.OpenDatabase(dsn)
	require.NoError(t, err)
	require.NoError(t, seedDB.AutoMigrate(&gateway.ProviderKey{}, &gateway.CallLog{}))
	seedStore := gateway.NewKeyStore(seedDB, nil)
	_, err = seedStore.CreateFromRaw(seedCtx, "ali-key-1", "ali", "sk-ali-core", true, gateway.KeyLimits{})
	require.NoError(t, err)

	cfg := gateway.DefaultCoreConfig()
	cfg.DSN = dsn
	cfg.PoolSize = 2
	cfg.Dispatch.EnableFallback = false
	cfg.MetricsRegisterer = newTestRegistry()

	core, err := gateway.NewCore(seedCtx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = core.Close() }()

	assert.Equal(t, 1, core.KeyCache.ActiveCount("ali"))

	adapter := ali.NewPoolAdapter(core.KeyCache, cfg.PoolSize, nil,
		ali.WithDynamicBaseURL(server.URL),
		ali.WithDynamicClientConfig(fastClientConfig()),
		ali.WithDynamicCallSink(core.CallLogs),
		ali.WithUsageStore(core.Keys))
	core.Dispatcher.RegisterAdapter(adapter)

	resp, err := core.Dispatcher.Dispatch(seedCtx,
		gateway.NewRequest(gateway.ProviderAli, "qwen-plus", []types.Message{types.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)

	require.NoError(t, core.ReloadProvider(seedCtx, "ali"))
	assert.Equal(t, 1, core.KeyCache.ActiveCount("ali"))
}
