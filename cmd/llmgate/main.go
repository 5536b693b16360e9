// llmgate serves the LLM gateway: a uniform chat-completion interface over
// heterogeneous vendors with encrypted key rotation, bounded retry, and
// provider fallback.
//
// Usage:
//
//	llmgate -config config.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/llmgate/config"
	"github.com/BaSui01/llmgate/gateway"
	"github.com/BaSui01/llmgate/providers/ali"
	"github.com/BaSui01/llmgate/providers/ollama"
	"github.com/BaSui01/llmgate/providers/openaicompat"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := gateway.NewCore(ctx, cfg.CoreConfig(), logger)
	if err != nil {
		logger.Fatal("initialize gateway core", zap.Error(err))
	}
	defer func() { _ = core.Close() }()

	registerAdapters(core, cfg, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":    "ok",
			"providers": core.Dispatcher.ListModels(r.Context(), nil),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("llmgate listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}

func registerAdapters(core *gateway.Core, cfg *config.Config, logger *zap.Logger) {
	if cfg.Providers.Ollama.Enabled {
		client := ollama.NewClient(cfg.Providers.Ollama.BaseURL, logger,
			ollama.WithCallSink(core.CallLogs))
		core.Dispatcher.RegisterAdapter(ollama.NewAdapter(client, logger))
	}

	if cfg.Providers.Ali.Enabled {
		adapter := ali.NewPoolAdapter(core.KeyCache, cfg.Pool.Size, logger,
			ali.WithDynamicBaseURL(cfg.Providers.Ali.BaseURL),
			ali.WithDynamicCallSink(core.CallLogs),
			ali.WithUsageStore(core.Keys))
		core.Dispatcher.RegisterAdapter(adapter)
	}

	if cfg.Providers.OpenAI.Enabled {
		core.Dispatcher.RegisterAdapter(openaicompat.New(openaicompat.Config{
			Tag:     gateway.ProviderOpenAI,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Keys:    core.KeyCache,
			Models:  cfg.Providers.OpenAI.Models,
			Sink:    core.CallLogs,
		}, logger))
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
