package injector

import (
	"context"
	"fmt"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/data"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/lifecycle"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/service"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/metrics"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func provideZapLogger(log *logger.Logger) *zap.Logger {
	return log.Logger
}

func provideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// Data layer

func provideThreadRepo(config *conf.Config, log *zap.Logger) (biz.ThreadRepo, func(), error) {
	return data.NewThreadRepo(&config.Storage, log)
}

// Title generation is off when title.workers is 0

func provideWorkerPool(config *conf.Config, registry *prometheus.Registry, log *zap.Logger) (*workerpool.Pool, func(), error) {
	if config.Title.Workers == 0 {
		return nil, func() {}, nil
	}
	pool, err := workerpool.New(&workerpool.Config{
		Workers:     config.Title.Workers,
		MaxBlocking: 64,
	}, log.Named("titles"))
	if err != nil {
		return nil, nil, err
	}
	metrics.RegisterPool(registry, "titles", pool.Stats)
	return pool, pool.Shutdown, nil
}

func provideTitleGenerator(config *conf.Config, log *zap.Logger) (biz.TitleGenerator, error) {
	if config.Title.Workers == 0 {
		return nil, nil
	}
	titler, err := llm.NewOpenAITitler(&llm.TitlerConfig{
		APIKey:          config.Model.APIKey,
		BaseURL:         config.Model.BaseURL,
		MaxPromptTokens: config.Title.MaxPromptTokens,
		Encoding:        config.Title.Encoding,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create title generator: %w", err)
	}
	return titler, nil
}

func provideTransport(config *conf.Config, log *zap.Logger) (biz.Transport, func(), error) {
	client, err := llm.NewResponsesClient(&llm.Config{
		APIKey:  config.Model.APIKey,
		BaseURL: config.Model.BaseURL,
		Timeout: config.Model.Timeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create model client: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// Use cases

func provideController(pub *service.Publisher, m *metrics.Metrics, log *zap.Logger) *lifecycle.Controller {
	return lifecycle.NewController(pub, m, log.Named("lifecycle"))
}

func provideThreadUseCase(
	repo biz.ThreadRepo,
	titler biz.TitleGenerator,
	pool *workerpool.Pool,
	pub *service.Publisher,
	config *conf.Config,
	m *metrics.Metrics,
	log *zap.Logger,
) (*biz.ThreadUseCase, error) {
	threads := biz.NewThreadUseCase(repo, titler, pool, pub, biz.TitleConfig{
		Model:   config.Model.TitleModel,
		Timeout: config.Title.Timeout,
	}, m, log.Named("threads"))
	if err := threads.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load threads: %w", err)
	}
	return threads, nil
}

func provideChatUseCase(
	threads *biz.ThreadUseCase,
	ctrl *lifecycle.Controller,
	transport biz.Transport,
	config *conf.Config,
	log *zap.Logger,
) (*biz.ChatUseCase, func()) {
	uc := biz.NewChatUseCase(threads, ctrl, transport, modelConfig(&config.Model), log.Named("chat"))
	return uc, uc.Close
}

func modelConfig(cfg *conf.ModelConfig) biz.ModelConfig {
	tools := make([]types.Tool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, types.Tool{
			Type:            t.Type,
			ServerLabel:     t.ServerLabel,
			ServerURL:       t.ServerURL,
			RequireApproval: t.RequireApproval,
		})
	}
	return biz.ModelConfig{
		Model:            cfg.Model,
		Instructions:     cfg.Instructions,
		ReasoningEffort:  cfg.ReasoningEffort,
		ReasoningSummary: cfg.ReasoningSummary,
		Tools:            tools,
	}
}
