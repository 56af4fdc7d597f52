package core_test

import (
	"errors"
	"testing"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func TestDecodeAnalysisValid(t *testing.T) {
	m, err := core.DecodeAnalysis(validAnswer)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Coerce("msg-1")

	if r.MessageID != "msg-1" {
		t.Errorf("message id = %q", r.MessageID)
	}
	if r.Priority.Level != core.PriorityHigh || r.Priority.Score != 0.8 {
		t.Errorf("priority = %+v", r.Priority)
	}
	if r.Urgency.Level != core.UrgencyToday {
		t.Errorf("urgency = %q, want today", r.Urgency.Level)
	}
	if !r.ActionRequired {
		t.Error("expected action required")
	}
	if len(r.SuggestedActions) != 1 || r.KeyTopics[0] != "finance" {
		t.Errorf("lists = %v %v", r.SuggestedActions, r.KeyTopics)
	}
	if r.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", r.Confidence)
	}
}

func TestDecodeAnalysisTolerantInput(t *testing.T) {
	text := "Here is my analysis:\n```json\n" + `{
		"summary": "  Server down  ",
		"priority": "CRITICAL",
		"sentiment": {"label": "Negative", "score": "0.9"},
		"urgency": {"level": "this week", "score": 1.7},
		"action_required": "yes",
		"suggested_actions": "Restart the server",
		"confidence": "80%"
	}` + "\n```\nLet me know if you need more."

	m, err := core.DecodeAnalysis(text)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Coerce("msg-2")

	if r.Summary != "Server down" {
		t.Errorf("summary = %q", r.Summary)
	}
	if r.Priority.Level != core.PriorityCritical {
		t.Errorf("priority = %q, want critical", r.Priority.Level)
	}
	if r.Sentiment.Label != core.SentimentNegative || r.Sentiment.Score != 0.9 {
		t.Errorf("sentiment = %+v", r.Sentiment)
	}
	if r.Urgency.Level != core.UrgencyThisWeek || r.Urgency.Score != 1 {
		t.Errorf("urgency = %+v, want this_week clamped to 1", r.Urgency)
	}
	if !r.ActionRequired {
		t.Error("expected action required from \"yes\"")
	}
	if len(r.SuggestedActions) != 1 {
		t.Errorf("suggested actions = %v", r.SuggestedActions)
	}
	if r.KeyTopics == nil || len(r.KeyTopics) != 0 {
		t.Errorf("key topics = %#v, want empty slice", r.KeyTopics)
	}
	if r.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped 1", r.Confidence)
	}
}

func TestCoerceDefaults(t *testing.T) {
	m, err := core.DecodeAnalysis(`{"summary": "x", "priority": {"level": "urgent"}}`)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Coerce("msg-3")

	if r.Priority.Level != core.PriorityMedium || r.Priority.Score != 0.5 {
		t.Errorf("priority = %+v, want medium/0.5", r.Priority)
	}
	if r.Sentiment.Label != core.SentimentNeutral || r.Sentiment.Score != 0.5 {
		t.Errorf("sentiment = %+v, want neutral/0.5", r.Sentiment)
	}
	if r.Urgency.Level != core.UrgencyWhenConvenient || r.Urgency.Score != 0.3 {
		t.Errorf("urgency = %+v, want when_convenient/0.3", r.Urgency)
	}
	if r.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", r.Confidence)
	}
	if r.IsVIP || r.VIPScore != 0 {
		t.Errorf("vip = %v/%v", r.IsVIP, r.VIPScore)
	}
}

func TestDecodeAnalysisRejectsNonJSON(t *testing.T) {
	for _, text := range []string{"", "I cannot help with that.", "{not json}"} {
		_, err := core.DecodeAnalysis(text)
		var ve *core.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("DecodeAnalysis(%q) error = %v, want ValidationError", text, err)
		}
		if core.ClassifyRetryable(err) {
			t.Errorf("DecodeAnalysis(%q) error classified retryable", text)
		}
	}
}
