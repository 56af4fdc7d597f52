package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey/llm-mail-triage/internal/utils"
	"github.com/mikey/llm-mail-triage/internal/vip"
)

// EngineConfig tunes the analysis engine
type EngineConfig struct {
	BatchSize        int
	BatchDelay       time.Duration
	BatchConcurrency int
	CallTimeout      time.Duration
	Retry            RetryPolicy
	MaxBodySize      int
}

// DefaultEngineConfig holds the stock pipeline settings
var DefaultEngineConfig = EngineConfig{
	BatchSize:        10,
	BatchDelay:       time.Second,
	BatchConcurrency: 10,
	CallTimeout:      30 * time.Second,
	Retry:            DefaultRetryPolicy,
	MaxBodySize:      8192,
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultEngineConfig.BatchSize
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = c.BatchSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultEngineConfig.CallTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultEngineConfig.MaxBodySize
	}
	return c
}

// AnalysisEngine turns messages into AnalysisResults through the model,
// degrading to a fallback result whenever the model cannot be used
type AnalysisEngine struct {
	model   ModelClient
	limiter *RateLimiter
	cache   *AnalysisCache
	vip     *vip.Checker
	text    *utils.TextProcessor
	logger  *zap.Logger
	cfg     EngineConfig
	now     func() time.Time
}

// NewAnalysisEngine creates a new analysis engine. limiter and cache may be nil.
func NewAnalysisEngine(
	model ModelClient,
	limiter *RateLimiter,
	cache *AnalysisCache,
	vipChecker *vip.Checker,
	text *utils.TextProcessor,
	logger *zap.Logger,
	cfg EngineConfig,
) *AnalysisEngine {
	return &AnalysisEngine{
		model:   model,
		limiter: limiter,
		cache:   cache,
		vip:     vipChecker,
		text:    text,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// SetClock replaces the time source
func (e *AnalysisEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the effective configuration
func (e *AnalysisEngine) Config() EngineConfig {
	return e.cfg
}

// Analyze analyzes one message. The only error it returns is a
// *RateLimitError when the AI limiter denies the call; every other failure
// yields the fallback result with Success=false.
func (e *AnalysisEngine) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisOutcome, error) {
	msg := req.Message
	user := req.User
	if user == nil {
		user = &UserContext{}
	}

	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, msg.ID); ok {
			e.logger.Debug("Analysis cache hit", zap.String("message_id", msg.ID))
			return &AnalysisOutcome{Analysis: cached, Success: true}, nil
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Check(ctx, ProfileAI, RateSubject{UserID: user.UserID}); err != nil {
			e.logger.Warn("AI rate limit reached",
				zap.String("user_id", user.UserID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			return nil, err
		}
	}

	start := e.now()
	result, attempts, err := e.callModel(ctx, msg, user)
	if err != nil {
		retryable := IsRetryable(err)
		e.logger.Warn("Model analysis failed, using fallback",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", attempts),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		fallback := e.fallback(msg, user, start)
		return &AnalysisOutcome{
			Analysis:  fallback,
			Success:   false,
			Err:       &AnalysisError{MessageID: msg.ID, Retryable: retryable, Err: err},
			Retryable: retryable,
		}, nil
	}

	now := e.now()
	e.vip.Apply(msg.From.Email, user.VIPContacts, &result.IsVIP, &result.VIPScore)
	result.PriorityScore = PriorityScore(result, msg.ReceivedAt, now)
	result.ProcessingTime = now.Sub(start)
	result.CreatedAt = now

	if e.cache != nil {
		e.cache.Set(ctx, msg.ID, result)
	}

	e.logger.Debug("Message analyzed",
		zap.String("message_id", msg.ID),
		zap.String("priority", string(result.Priority.Level)),
		zap.Float64("priority_score", result.PriorityScore),
		zap.Int("attempts", attempts),
		zap.String("model", result.ModelUsed))

	return &AnalysisOutcome{Analysis: result, Success: true}, nil
}

func (e *AnalysisEngine) callModel(ctx context.Context, msg *NormalizedMessage, user *UserContext) (*AnalysisResult, int, error) {
	body := e.text.ProcessText(e.text.BodyText(msg.TextBody, msg.HTMLBody), e.cfg.MaxBodySize)
	req := BuildAnalysisPrompt(msg, user, body)

	var result *AnalysisResult
	res := Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		resp, err := e.model.Complete(callCtx, req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return &ModelError{Model: e.model.Name(), Err: context.DeadlineExceeded}
			}
			return err
		}

		decoded, err := DecodeAnalysis(resp.Text)
		if err != nil {
			return err
		}
		result = decoded.Coerce(msg.ID)
		result.ModelUsed = resp.Model
		if result.ModelUsed == "" {
			result.ModelUsed = e.model.Name()
		}
		return nil
	}, nil)

	if !res.OK() {
		return nil, res.Attempts, res.Err
	}
	return result, res.Attempts, nil
}

func (e *AnalysisEngine) fallback(msg *NormalizedMessage, user *UserContext, start time.Time) *AnalysisResult {
	now := e.now()
	result := FallbackAnalysis(msg, now)
	if result.Summary == "" {
		result.Summary = e.text.TruncateText(e.text.StripHTML(msg.HTMLBody), 200)
	}
	e.vip.Apply(msg.From.Email, user.VIPContacts, &result.IsVIP, &result.VIPScore)
	result.PriorityScore = PriorityScore(result, msg.ReceivedAt, now)
	result.ProcessingTime = now.Sub(start)
	return result
}

// AnalyzeBatch analyzes requests with bounded concurrency. It returns exactly
// one outcome per request, in input order, and never fails: a denied rate
// limit or a failed call both resolve to the fallback result.
func (e *AnalysisEngine) AnalyzeBatch(ctx context.Context, reqs []AnalysisRequest) []AnalysisOutcome {
	out := make([]AnalysisOutcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			out[i] = e.analyzeIsolated(ctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *AnalysisEngine) analyzeIsolated(ctx context.Context, req AnalysisRequest) (outcome AnalysisOutcome) {
	user := req.User
	if user == nil {
		user = &UserContext{}
	}
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Analysis panicked, using fallback",
				zap.String("message_id", req.Message.ID),
				zap.Any("panic", r))
			outcome = AnalysisOutcome{
				Analysis: e.fallback(req.Message, user, start),
				Err:      &AnalysisError{MessageID: req.Message.ID, Err: errors.New("analysis panicked")},
			}
		}
	}()

	res, err := e.Analyze(ctx, req)
	if err != nil {
		return AnalysisOutcome{
			Analysis:  e.fallback(req.Message, user, start),
			Err:       err,
			Retryable: IsRetryable(err),
		}
	}
	return *res
}
