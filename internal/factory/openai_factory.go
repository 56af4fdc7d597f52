package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/openai"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// OpenAIFactory creates OpenAI model clients
type OpenAIFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewOpenAIFactory creates a new OpenAI factory
func NewOpenAIFactory(cfg *config.Config, logger *zap.Logger) *OpenAIFactory {
	return &OpenAIFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateModelClient creates an OpenAI model client. A base URL without an
// API key targets an OpenAI-compatible local server.
func (f *OpenAIFactory) CreateModelClient() (core.ModelClient, error) {
	openaiCfg := f.cfg.GetOpenAI()

	client, err := openai.NewClient(openaiCfg.APIKey, openaiCfg.BaseURL)
	if err != nil {
		return nil, err
	}
	return openai.NewOpenAIClient(
		client,
		openaiCfg.ModelName,
		openaiCfg.MaxTokens,
		openaiCfg.Temperature,
		openaiCfg.TopP,
		f.logger,
	), nil
}
