package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/adapters/queue"
	"github.com/mikey/llm-mail-triage/internal/adapters/store"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/utils"
	"github.com/mikey/llm-mail-triage/internal/vip"
)

const validAnswer = `{
  "summary": "Quarterly numbers are due Friday",
  "priority": {"level": "high", "score": 0.8, "reasoning": "deadline"},
  "sentiment": {"label": "neutral", "score": 0.5, "reasoning": "factual"},
  "urgency": {"level": "today", "score": 0.7, "reasoning": "due soon"},
  "action_required": true,
  "suggested_actions": ["Send the report"],
  "key_topics": ["finance"],
  "vip": {"is_vip": false, "score": 0.1},
  "confidence": 0.9
}`

// fakeModel answers through fn and counts calls
type fakeModel struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error)
}

func (m *fakeModel) Complete(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fn(ctx, req)
}

func (m *fakeModel) Name() string { return "fake-model" }

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func answering(text string) *fakeModel {
	return &fakeModel{fn: func(context.Context, *core.ModelRequest) (*core.ModelResponse, error) {
		return &core.ModelResponse{Text: text}, nil
	}}
}

// fakeFetcher returns a fixed set of messages or a fixed error
type fakeFetcher struct {
	provider core.Provider
	msgs     []*core.NormalizedMessage
	err      error
	block    chan struct{}

	mu        sync.Mutex
	calls     int
	lastOpts  core.FetchOptions
	lastCreds core.Credentials
}

func (f *fakeFetcher) creds() core.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCreds
}

func (f *fakeFetcher) Provider() core.Provider { return f.provider }

func (f *fakeFetcher) Fetch(ctx context.Context, creds *core.Credentials, opts core.FetchOptions) ([]*core.NormalizedMessage, error) {
	f.mu.Lock()
	f.calls++
	f.lastOpts = opts
	if creds != nil {
		f.lastCreds = *creds
	}
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*core.NormalizedMessage, len(f.msgs))
	for i, m := range f.msgs {
		c := *m
		out[i] = &c
	}
	return out, nil
}

func makeMessages(provider core.Provider, n int, newest time.Time) []*core.NormalizedMessage {
	msgs := make([]*core.NormalizedMessage, n)
	for i := range msgs {
		msgs[i] = &core.NormalizedMessage{
			ID:         fmt.Sprintf("%s-%02d", provider, i),
			From:       core.Address{Email: fmt.Sprintf("sender%d@example.com", i)},
			Subject:    fmt.Sprintf("Message %d", i),
			TextBody:   "Please review the attached report.",
			ReceivedAt: newest.Add(-time.Duration(i) * time.Minute),
			Provider:   provider,
		}
	}
	return msgs
}

func newEngine(t *testing.T, model core.ModelClient, limiter *core.RateLimiter, cfg core.EngineConfig) *core.AnalysisEngine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return core.NewAnalysisEngine(model, limiter, nil, vip.NewChecker(logger), utils.NewTextProcessor(logger), logger, cfg)
}

func fastEngineConfig() core.EngineConfig {
	return core.EngineConfig{
		BatchSize:        10,
		BatchConcurrency: 4,
		CallTimeout:      time.Second,
		Retry:            core.RetryPolicy{MaxAttempts: 1},
	}
}

type managerFixture struct {
	store   core.JobStore
	queue   *queue.MemoryQueue
	manager *core.JobManager

	mu       sync.Mutex
	progress []core.ProcessingJob
}

func (f *managerFixture) updates() []core.ProcessingJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ProcessingJob(nil), f.progress...)
}

type staticCreds struct{}

func (staticCreds) Credentials(_ context.Context, userID string, _ core.Provider) (*core.Credentials, error) {
	return &core.Credentials{Account: userID + "@example.com", AccessToken: "token"}, nil
}

func newManager(t *testing.T, engine *core.AnalysisEngine, fetchers ...core.MessageFetcher) *managerFixture {
	t.Helper()
	return newManagerOn(t, store.NewMemoryStore(), engine, fetchers...)
}

func newManagerOn(t *testing.T, st core.JobStore, engine *core.AnalysisEngine, fetchers ...core.MessageFetcher) *managerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &managerFixture{
		store: st,
		queue: queue.NewMemoryQueue(),
	}
	cfg := core.DefaultJobManagerConfig
	cfg.FetchRetry = core.RetryPolicy{MaxAttempts: 1}
	cfg.ProviderTimeout = time.Second
	f.manager = core.NewJobManager(
		f.store,
		f.queue,
		engine,
		fetchers,
		staticCreds{},
		core.NewUserContextResolver(nil, nil, logger),
		nil,
		nil,
		logger,
		cfg,
	)
	f.manager.OnProgress(func(j core.ProcessingJob) {
		f.mu.Lock()
		f.progress = append(f.progress, j)
		f.mu.Unlock()
	})
	return f
}

func newTextProcessor(t *testing.T) *utils.TextProcessor {
	t.Helper()
	return utils.NewTextProcessor(zaptest.NewLogger(t))
}
