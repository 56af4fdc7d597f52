package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/httpapi"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/ports"
	"github.com/mikey/llm-mail-triage/internal/utils"
	"github.com/mikey/llm-mail-triage/internal/vip"
)

// PipelineFactory creates the analysis helpers and service settings
type PipelineFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewPipelineFactory creates a new pipeline factory
func NewPipelineFactory(cfg *config.Config, logger *zap.Logger) *PipelineFactory {
	return &PipelineFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *PipelineFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateVIPChecker creates a new VIP checker
func (f *PipelineFactory) CreateVIPChecker() *vip.Checker {
	return vip.NewChecker(f.logger)
}

// EngineConfig returns the analysis engine settings
func (f *PipelineFactory) EngineConfig() core.EngineConfig {
	p := f.cfg.GetPipeline()
	return core.EngineConfig{
		BatchSize:        p.BatchSize,
		BatchDelay:       p.BatchDelay,
		BatchConcurrency: p.BatchConcurrency,
		CallTimeout:      p.ModelTimeout,
		Retry:            p.ModelRetry,
		MaxBodySize:      p.MaxBodySize,
	}
}

// JobManagerConfig returns the job manager settings
func (f *PipelineFactory) JobManagerConfig() core.JobManagerConfig {
	p := f.cfg.GetPipeline()
	return core.JobManagerConfig{
		ProviderTimeout: p.ProviderTimeout,
		FetchRetry:      p.FetchRetry,
		DefaultOptions:  core.FetchOptions{MaxResults: p.DefaultMaxResults},
		StaleAfter:      p.StaleAfter,
		SweepInterval:   p.SweepInterval,
		Retention:       p.Retention,
	}
}

// CreateHTTPServer creates the trigger API
func (f *PipelineFactory) CreateHTTPServer(jobs ports.JobService, mailbox ports.Mailbox, limiter *core.RateLimiter) ports.Server {
	httpCfg := f.cfg.GetHTTP()
	return httpapi.NewServer(httpapi.Config{
		ListenAddress: httpCfg.ListenAddress,
		ReadTimeout:   httpCfg.ReadTimeout,
		WriteTimeout:  httpCfg.WriteTimeout,
	}, jobs, mailbox, limiter, f.logger.Named("http"))
}
