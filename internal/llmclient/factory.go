// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/api/schemas"
	"github.com/xkilldash9x/mailpilot/internal/config"
)

// NewClient builds the fast and powerful tier clients from the agent
// configuration and returns a router over them.
func NewClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newModelClient(ctx, cfg.LLM.ModelConfig(cfg.LLM.DefaultFastModel), logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful, err := newModelClient(ctx, cfg.LLM.ModelConfig(cfg.LLM.DefaultPowerfulModel), logger)
	if err != nil {
		return nil, fmt.Errorf("powerful tier: %w", err)
	}
	return NewLLMRouter(logger, fast, powerful)
}

// newModelClient creates a single-model client based on its provider.
func newModelClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
