package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/directory"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/factory"
	"github.com/mikey/llm-mail-triage/internal/logging"
	"github.com/mikey/llm-mail-triage/internal/ports"
	"github.com/mikey/llm-mail-triage/internal/utils"
	"github.com/mikey/llm-mail-triage/internal/vip"
)

// BuildContainer creates and configures the daemon's dependency injection
// container. An empty configPath searches the standard locations.
func BuildContainer(configPath string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		return config.Load(configPath)
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	// Register factories
	for _, ctor := range []any{
		factory.NewLLMFactory,
		factory.NewCacheFactory,
		factory.NewRateLimitFactory,
		factory.NewStoreFactory,
		factory.NewFetcherFactory,
		factory.NewPipelineFactory,
	} {
		if err := container.Provide(ctor); err != nil {
			return nil, err
		}
	}

	// Register model client
	if err := container.Provide(func(f *factory.LLMFactory) (core.ModelClient, error) {
		return f.CreateModelClient()
	}); err != nil {
		return nil, err
	}

	// Register cache backend and typed caches
	if err := container.Provide(func(f *factory.CacheFactory) (core.CacheStore, error) {
		return f.CreateCacheStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.CacheFactory, store core.CacheStore) *core.Caches {
		return f.CreateCaches(store)
	}); err != nil {
		return nil, err
	}

	// Register rate limiter
	if err := container.Provide(func(f *factory.RateLimitFactory) (*core.RateLimiter, error) {
		return f.CreateRateLimiter()
	}); err != nil {
		return nil, err
	}

	// Register job store and queue
	if err := container.Provide(func(f *factory.StoreFactory) (core.JobStore, error) {
		return f.CreateJobStore()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.StoreFactory) (core.JobQueue, error) {
		return f.CreateJobQueue()
	}); err != nil {
		return nil, err
	}

	// Register provider adapters
	if err := container.Provide(func(f *factory.FetcherFactory) *factory.Fetchers {
		return f.CreateFetchers()
	}); err != nil {
		return nil, err
	}

	// Register user directory
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (*directory.Directory, error) {
		users, err := cfg.GetUsers()
		if err != nil {
			return nil, err
		}
		return directory.New(users, logger.Named("directory")), nil
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(d *directory.Directory) core.CredentialSupplier { return d }); err != nil {
		return nil, err
	}
	if err := container.Provide(func(d *directory.Directory) core.UserContextSupplier { return d }); err != nil {
		return nil, err
	}

	// Register analysis helpers
	if err := container.Provide(func(f *factory.PipelineFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.PipelineFactory) *vip.Checker {
		return f.CreateVIPChecker()
	}); err != nil {
		return nil, err
	}

	// Register services
	if err := container.Provide(func(users core.UserContextSupplier, caches *core.Caches, logger *zap.Logger) *core.UserContextResolver {
		return core.NewUserContextResolver(users, caches.UserProfile, logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.PipelineFactory,
		model core.ModelClient,
		limiter *core.RateLimiter,
		caches *core.Caches,
		vipChecker *vip.Checker,
		text *utils.TextProcessor,
		logger *zap.Logger,
	) *core.AnalysisEngine {
		return core.NewAnalysisEngine(model, limiter, caches.Analysis, vipChecker, text, logger.Named("engine"), f.EngineConfig())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.PipelineFactory,
		store core.JobStore,
		queue core.JobQueue,
		engine *core.AnalysisEngine,
		fetchers *factory.Fetchers,
		creds core.CredentialSupplier,
		users *core.UserContextResolver,
		limiter *core.RateLimiter,
		caches *core.Caches,
		logger *zap.Logger,
	) *core.JobManager {
		return core.NewJobManager(store, queue, engine, fetchers.Fetchers, creds, users, limiter,
			caches.EmailList, logger.Named("jobs"), f.JobManagerConfig())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		fetchers *factory.Fetchers,
		creds core.CredentialSupplier,
		store core.JobStore,
		caches *core.Caches,
		engine *core.AnalysisEngine,
		users *core.UserContextResolver,
		logger *zap.Logger,
	) *core.MailboxService {
		return core.NewMailboxService(fetchers.Mutators, creds, store, caches, engine, users, logger.Named("mailbox"))
	}); err != nil {
		return nil, err
	}

	// Register HTTP API
	if err := container.Provide(func(
		f *factory.PipelineFactory,
		jobs *core.JobManager,
		mailbox *core.MailboxService,
		limiter *core.RateLimiter,
	) ports.Server {
		return f.CreateHTTPServer(jobs, mailbox, limiter)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
