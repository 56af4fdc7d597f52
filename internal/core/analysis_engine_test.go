package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/adapters/ratelimit"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/vip"
)

func testMessage() *core.NormalizedMessage {
	return &core.NormalizedMessage{
		ID:         "m1",
		From:       core.Address{Email: "ceo@acme.com", Name: "The CEO"},
		Subject:    "Quarterly numbers",
		TextBody:   "Please send the quarterly report by Friday.",
		ReceivedAt: time.Now().Add(-2 * time.Hour),
		Provider:   core.ProviderGmail,
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	model := answering(validAnswer)
	engine := newEngine(t, model, nil, fastEngineConfig())

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{
		Message: testMessage(),
		User:    &core.UserContext{UserID: "u1", VIPContacts: []string{"@acme.com"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Err != nil {
		t.Fatalf("outcome = %+v, want success", out)
	}

	r := out.Analysis
	if r.ModelUsed != "fake-model" {
		t.Errorf("model used = %q, want fake-model", r.ModelUsed)
	}
	if !r.IsVIP || r.VIPScore != vip.MinScore {
		t.Errorf("vip = %v/%v, want listed domain to force VIP", r.IsVIP, r.VIPScore)
	}
	// 0.4*0.8 + 0.3*0.7 + 0.2 vip + 0.1 action + 0.05 received within a day
	if want := 0.88; r.PriorityScore < want-1e-9 || r.PriorityScore > want+1e-9 {
		t.Errorf("priority score = %v, want %v", r.PriorityScore, want)
	}
	if r.CreatedAt.IsZero() {
		t.Error("created at not set")
	}
}

func TestAnalyzePromptCarriesContext(t *testing.T) {
	var prompt string
	model := &fakeModel{fn: func(_ context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
		prompt = req.Prompt
		return &core.ModelResponse{Text: validAnswer, Model: "gpt-test"}, nil
	}}
	engine := newEngine(t, model, nil, fastEngineConfig())

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{
		Message: testMessage(),
		User:    &core.UserContext{UserID: "u1", Role: "Controller", Industry: "Retail"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Analysis.ModelUsed != "gpt-test" {
		t.Errorf("model used = %q, want the response's model", out.Analysis.ModelUsed)
	}
	for _, want := range []string{"Controller", "Retail", "Quarterly numbers", "The CEO <ceo@acme.com>", "quarterly report"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAnalyzeTimeoutFallsBack(t *testing.T) {
	model := &fakeModel{fn: func(ctx context.Context, _ *core.ModelRequest) (*core.ModelResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := fastEngineConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	engine := newEngine(t, model, nil, cfg)

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Fatal("timed out call reported success")
	}
	if !out.Retryable {
		t.Error("timeout should be retryable")
	}
	if !out.Analysis.IsFallback() || out.Analysis.Confidence != core.FallbackConfidence {
		t.Errorf("analysis = %+v, want fallback", out.Analysis)
	}
	var ae *core.AnalysisError
	if !errors.As(out.Err, &ae) || ae.MessageID != "m1" {
		t.Errorf("err = %v, want AnalysisError for m1", out.Err)
	}
}

func TestAnalyzeRetriesTransientErrors(t *testing.T) {
	calls := 0
	model := &fakeModel{fn: func(context.Context, *core.ModelRequest) (*core.ModelResponse, error) {
		calls++
		if calls == 1 {
			return nil, &core.ModelError{Model: "fake-model", StatusCode: 503, Err: errors.New("overloaded")}
		}
		return &core.ModelResponse{Text: validAnswer}, nil
	}}
	cfg := fastEngineConfig()
	cfg.Retry = core.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	engine := newEngine(t, model, nil, cfg)

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || calls != 2 {
		t.Errorf("success = %v after %d calls, want success after 2", out.Success, calls)
	}
}

func TestAnalyzeInvalidOutputIsNotRetried(t *testing.T) {
	model := answering("I'm sorry, I can't analyze this email.")
	cfg := fastEngineConfig()
	cfg.Retry = core.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	engine := newEngine(t, model, nil, cfg)

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{Message: testMessage()})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Retryable {
		t.Errorf("outcome = %+v, want permanent failure", out)
	}
	if model.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", model.Calls())
	}
}

func TestFallbackKeepsVIP(t *testing.T) {
	model := &fakeModel{fn: func(context.Context, *core.ModelRequest) (*core.ModelResponse, error) {
		return nil, errors.New("boom")
	}}
	engine := newEngine(t, model, nil, fastEngineConfig())

	out, err := engine.Analyze(context.Background(), core.AnalysisRequest{
		Message: testMessage(),
		User:    &core.UserContext{VIPContacts: []string{"CEO@acme.com"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Analysis.IsVIP || out.Analysis.VIPScore < vip.MinScore {
		t.Errorf("fallback vip = %v/%v", out.Analysis.IsVIP, out.Analysis.VIPScore)
	}
	if out.Analysis.PriorityScore <= 0 {
		t.Error("fallback priority score not computed")
	}
}

func TestAnalyzeUsesCache(t *testing.T) {
	caches, _ := newCaches(t)
	model := answering(validAnswer)
	logger := zaptest.NewLogger(t)
	engine := core.NewAnalysisEngine(model, nil, caches.Analysis, vip.NewChecker(logger), newTextProcessor(t), logger, fastEngineConfig())

	for i := 0; i < 2; i++ {
		out, err := engine.Analyze(context.Background(), core.AnalysisRequest{Message: testMessage()})
		if err != nil || !out.Success {
			t.Fatalf("call %d: %+v, %v", i, out, err)
		}
	}
	if model.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", model.Calls())
	}
}

func TestAnalyzeBatchOrderAndIsolation(t *testing.T) {
	model := &fakeModel{fn: func(_ context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
		switch {
		case strings.Contains(req.Prompt, "Message 3\n"):
			panic("model client bug")
		case strings.Contains(req.Prompt, "Message 5\n"):
			return nil, errors.New("service unavailable")
		}
		return &core.ModelResponse{Text: validAnswer}, nil
	}}
	engine := newEngine(t, model, nil, fastEngineConfig())

	msgs := makeMessages(core.ProviderGmail, 8, time.Now())
	reqs := make([]core.AnalysisRequest, len(msgs))
	for i, m := range msgs {
		reqs[i] = core.AnalysisRequest{Message: m}
	}

	out := engine.AnalyzeBatch(context.Background(), reqs)
	if len(out) != len(reqs) {
		t.Fatalf("got %d outcomes, want %d", len(out), len(reqs))
	}
	for i, o := range out {
		if o.Analysis == nil {
			t.Fatalf("outcome %d has no analysis", i)
		}
		if o.Analysis.MessageID != msgs[i].ID {
			t.Errorf("outcome %d is for %s, want %s", i, o.Analysis.MessageID, msgs[i].ID)
		}
		wantSuccess := i != 3 && i != 5
		if o.Success != wantSuccess {
			t.Errorf("outcome %d success = %v, want %v", i, o.Success, wantSuccess)
		}
	}
	if !out[5].Retryable {
		t.Error("unavailable error should be retryable")
	}
}

func TestAnalyzeBatchRateLimited(t *testing.T) {
	profiles := core.DefaultRateLimitProfiles()
	profiles[core.ProfileAI] = core.RateLimitProfile{Name: core.ProfileAI, Window: time.Minute, MaxRequests: 2, KeyBy: core.KeyByUser}
	limiter := core.NewRateLimiter(ratelimit.NewMemoryStore(), profiles, zaptest.NewLogger(t))

	model := answering(validAnswer)
	engine := newEngine(t, model, limiter, fastEngineConfig())

	user := &core.UserContext{UserID: "u1"}
	msgs := makeMessages(core.ProviderOutlook, 5, time.Now())
	reqs := make([]core.AnalysisRequest, len(msgs))
	for i, m := range msgs {
		reqs[i] = core.AnalysisRequest{Message: m, User: user}
	}

	out := engine.AnalyzeBatch(context.Background(), reqs)
	succeeded := 0
	for i, o := range out {
		if o.Success {
			succeeded++
			continue
		}
		var rl *core.RateLimitError
		if !errors.As(o.Err, &rl) {
			t.Errorf("outcome %d err = %v, want RateLimitError", i, o.Err)
		}
		if !o.Retryable || !o.Analysis.IsFallback() {
			t.Errorf("outcome %d = %+v, want retryable fallback", i, o)
		}
	}
	if succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", succeeded)
	}
	if model.Calls() != 2 {
		t.Errorf("model calls = %d, want 2", model.Calls())
	}

	if _, err := engine.Analyze(context.Background(), reqs[0]); err == nil {
		t.Error("Analyze admitted a request over the limit")
	}
}

func TestAnalyzeHonorsBodyLimit(t *testing.T) {
	var prompt string
	model := &fakeModel{fn: func(_ context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
		prompt = req.Prompt
		return &core.ModelResponse{Text: validAnswer}, nil
	}}
	cfg := fastEngineConfig()
	cfg.MaxBodySize = 64
	engine := newEngine(t, model, nil, cfg)

	msg := testMessage()
	msg.TextBody = strings.Repeat("x", 1000)
	if _, err := engine.Analyze(context.Background(), core.AnalysisRequest{Message: msg}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(prompt, strings.Repeat("x", 65)) {
		t.Error("body was not truncated")
	}
	if !strings.Contains(prompt, "truncated") {
		t.Error("truncation marker missing")
	}
}

func ExampleFallbackAnalysis() {
	r := core.FallbackAnalysis(&core.NormalizedMessage{ID: "m1", TextBody: "  Lunch   on Friday? "}, time.Unix(0, 0))
	fmt.Println(r.Summary, r.Priority.Level, r.Confidence)
	// Output: Lunch on Friday? medium 0.3
}
