package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/ratelimit"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// RateLimitFactory creates the limiter and its window store
type RateLimitFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewRateLimitFactory creates a new rate limit factory
func NewRateLimitFactory(cfg *config.Config, logger *zap.Logger) *RateLimitFactory {
	return &RateLimitFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRateLimiter creates a limiter over the backend in ratelimit.backend
func (f *RateLimitFactory) CreateRateLimiter() (*core.RateLimiter, error) {
	rlCfg := f.cfg.GetRateLimit()

	var store core.WindowStore
	switch rlCfg.Backend {
	case "memory":
		store = ratelimit.NewMemoryStore()
	case "redis":
		store = ratelimit.NewRedisStore(newRedisClient(rlCfg.Redis))
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", rlCfg.Backend)
	}
	return core.NewRateLimiter(store, rlCfg.Profiles, f.logger), nil
}
