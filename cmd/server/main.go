package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/a2a"
	"github.com/titanmem/titan/internal/buildconfig"
	"github.com/titanmem/titan/internal/config"
	"github.com/titanmem/titan/internal/embedding"
	"github.com/titanmem/titan/internal/llm"
	"github.com/titanmem/titan/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("starting titan",
		zap.String("version", buildconfig.Version()),
		zap.String("commit", buildconfig.Commit()),
		zap.Bool("offline", config.OfflineMode()))

	embedder, err := embedding.NewClient(config.EmbeddingProvider(), config.OpenAIAPIKey())
	if err != nil {
		logger.Fatal("failed to create embedding provider", zap.Error(err))
	}
	llmAPIKey := config.OpenAIAPIKey()
	if config.LLMProvider() == llm.ProviderAnthropic {
		llmAPIKey = config.AnthropicAPIKey()
	}
	llmClient, err := llm.NewClient(config.LLMProvider(), llmAPIKey)
	if err != nil {
		logger.Fatal("failed to create llm client", zap.Error(err))
	}

	core, err := service.NewCore(service.CoreOptions{
		DataDir:           config.DataDir(),
		SurpriseThreshold: config.SurpriseThreshold(),
		Embedder:          embedder,
		LLM:               llmClient,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("failed to open memory core", zap.Error(err))
	}
	logger.Info("memory core ready", zap.String("data_dir", config.DataDir()))

	server := a2a.NewServer(a2a.ServerConfig{
		Addr:              config.ServerAddr(),
		HeartbeatInterval: config.HeartbeatInterval(),
		HeartbeatTimeout:  config.HeartbeatTimeout(),
		LockExpiry:        config.LockExpiry(),
		LockTimeout:       config.LockTimeout(),
		MaxAgents:         config.MaxAgents(),
		MaxLocksPerAgent:  config.MaxLocksPerAgent(),
		MaxWaitQueueSize:  config.MaxWaitQueueSize(),
		RateLimitRPS:      config.RateLimitRPS(),
		RateLimitBurst:    config.RateLimitBurst(),
	}, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start a2a server", zap.Error(err))
	}

	// Periodic decay prune keeps long-term storage from growing unbounded.
	pruneStop := make(chan struct{})
	var pruneWG sync.WaitGroup
	pruneWG.Add(1)
	go func() {
		defer pruneWG.Done()
		ticker := time.NewTicker(config.PruneInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				result, err := core.Prune(context.Background(), service.PruneOptions{})
				if err != nil {
					logger.Warn("decay prune failed", zap.Error(err))
					continue
				}
				if result.Pruned > 0 {
					logger.Info("decay prune complete",
						zap.Int("pruned", result.Pruned),
						zap.Int("by_decay", result.PrunedByDecay))
				}
			case <-pruneStop:
				return
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	close(pruneStop)
	pruneWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Close(shutdownCtx); err != nil {
		logger.Warn("a2a server shutdown failed", zap.Error(err))
	}
	if err := core.Close(); err != nil {
		logger.Warn("memory core close failed", zap.Error(err))
	}
	logger.Info("stopped")
}
