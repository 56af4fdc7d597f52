package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AnalysisSchemaName names the structured output requested from the model
const AnalysisSchemaName = "email_analysis"

// AnalysisSchema is the JSON schema of the model's answer
var AnalysisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string"},
    "priority": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
        "score": {"type": "number"},
        "reasoning": {"type": "string"}
      },
      "required": ["level", "score", "reasoning"]
    },
    "sentiment": {
      "type": "object",
      "properties": {
        "label": {"type": "string", "enum": ["positive", "negative", "neutral", "mixed"]},
        "score": {"type": "number"},
        "reasoning": {"type": "string"}
      },
      "required": ["label", "score", "reasoning"]
    },
    "urgency": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["immediate", "today", "this_week", "when_convenient"]},
        "score": {"type": "number"},
        "reasoning": {"type": "string"}
      },
      "required": ["level", "score", "reasoning"]
    },
    "action_required": {"type": "boolean"},
    "suggested_actions": {"type": "array", "items": {"type": "string"}},
    "key_topics": {"type": "array", "items": {"type": "string"}},
    "vip": {
      "type": "object",
      "properties": {
        "is_vip": {"type": "boolean"},
        "score": {"type": "number"}
      },
      "required": ["is_vip", "score"]
    },
    "confidence": {"type": "number"}
  },
  "required": ["summary", "priority", "sentiment", "urgency", "action_required",
               "suggested_actions", "key_topics", "vip", "confidence"]
}`)

// flexFloat accepts a JSON number, a numeric string, or null
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// Unparseable strings are treated as missing
			return nil
		}
		f.Value, f.Set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	f.Value, f.Set = v, true
	return nil
}

// flexBool accepts a JSON bool, "true"/"yes"/"1" strings, or numbers
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")):
		*b = true
	case bytes.Equal(data, []byte("false")), bytes.Equal(data, []byte("null")):
		*b = false
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y", "1":
			*b = true
		default:
			*b = false
		}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err == nil {
			*b = n != 0
		}
	}
	return nil
}

// flexStrings accepts an array of strings, a single string, or null
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		if one = strings.TrimSpace(one); one != "" {
			*s = []string{one}
		}
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
			out = append(out, strings.TrimSpace(str))
		}
	}
	*s = out
	return nil
}

// classification is the common shape of priority, sentiment and urgency
type classification struct {
	Level     string    `json:"level"`
	Label     string    `json:"label"`
	Score     flexFloat `json:"score"`
	Reasoning string    `json:"reasoning"`
}

// UnmarshalJSON also accepts a bare string such as "high"
func (c *classification) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Level)
	}
	type plain classification
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	*c = classification(p)
	return nil
}

func (c classification) value() string {
	v := c.Level
	if v == "" {
		v = c.Label
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(v)
}

type vipField struct {
	IsVIP flexBool  `json:"is_vip"`
	Score flexFloat `json:"score"`
}

// ModelAnalysis is the decoded, not yet coerced model answer
type ModelAnalysis struct {
	Summary          string          `json:"summary"`
	Priority         *classification `json:"priority"`
	Sentiment        *classification `json:"sentiment"`
	Urgency          *classification `json:"urgency"`
	ActionRequired   flexBool        `json:"action_required"`
	SuggestedActions flexStrings     `json:"suggested_actions"`
	KeyTopics        flexStrings     `json:"key_topics"`
	VIP              *vipField       `json:"vip"`
	Confidence       flexFloat       `json:"confidence"`
}

var errNoJSONObject = errors.New("no JSON object in model output")

// extractJSONObject returns the outermost {...} span of text
func extractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", errNoJSONObject
	}
	return text[start : end+1], nil
}

// DecodeAnalysis parses model output into a ModelAnalysis. Prose around the
// JSON object (or a fenced code block) is tolerated. It fails with a
// *ValidationError only when no JSON object can be decoded.
func DecodeAnalysis(text string) (*ModelAnalysis, error) {
	var out ModelAnalysis
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return &out, nil
	}

	obj, err := extractJSONObject(trimmed)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("decode: %w", err)}
	}
	return &out, nil
}

// Clamp01 bounds a score to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func scoreOr(f flexFloat, def float64) float64 {
	if !f.Set {
		return def
	}
	return Clamp01(f.Value)
}

// default scores used when the model omits a value
const (
	defaultPriorityScore  = 0.5
	defaultSentimentScore = 0.5
	defaultUrgencyScore   = 0.3
	defaultConfidence     = 0.5
)

func priorityFrom(c *classification) PriorityAssessment {
	out := PriorityAssessment{Level: PriorityMedium, Score: defaultPriorityScore}
	if c == nil {
		return out
	}
	switch v := PriorityLevel(c.value()); v {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		out.Level = v
	}
	out.Score = scoreOr(c.Score, defaultPriorityScore)
	out.Reasoning = strings.TrimSpace(c.Reasoning)
	return out
}

func sentimentFrom(c *classification) SentimentAssessment {
	out := SentimentAssessment{Label: SentimentNeutral, Score: defaultSentimentScore}
	if c == nil {
		return out
	}
	switch v := Sentiment(c.value()); v {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		out.Label = v
	}
	out.Score = scoreOr(c.Score, defaultSentimentScore)
	out.Reasoning = strings.TrimSpace(c.Reasoning)
	return out
}

func urgencyFrom(c *classification) UrgencyAssessment {
	out := UrgencyAssessment{Level: UrgencyWhenConvenient, Score: defaultUrgencyScore}
	if c == nil {
		return out
	}
	switch v := UrgencyLevel(c.value()); v {
	case UrgencyImmediate, UrgencyToday, UrgencyThisWeek, UrgencyWhenConvenient:
		out.Level = v
	}
	out.Score = scoreOr(c.Score, defaultUrgencyScore)
	out.Reasoning = strings.TrimSpace(c.Reasoning)
	return out
}

// Coerce turns a decoded answer into an AnalysisResult: unknown enums fall
// back to medium/neutral/when_convenient, scores are clamped to [0,1] and
// missing lists become empty.
func (m *ModelAnalysis) Coerce(messageID string) *AnalysisResult {
	result := &AnalysisResult{
		MessageID:        messageID,
		Summary:          strings.TrimSpace(m.Summary),
		Priority:         priorityFrom(m.Priority),
		Sentiment:        sentimentFrom(m.Sentiment),
		Urgency:          urgencyFrom(m.Urgency),
		ActionRequired:   bool(m.ActionRequired),
		SuggestedActions: []string(m.SuggestedActions),
		KeyTopics:        []string(m.KeyTopics),
		Confidence:       scoreOr(m.Confidence, defaultConfidence),
	}
	if result.SuggestedActions == nil {
		result.SuggestedActions = []string{}
	}
	if result.KeyTopics == nil {
		result.KeyTopics = []string{}
	}
	if m.VIP != nil {
		result.IsVIP = bool(m.VIP.IsVIP)
		result.VIPScore = scoreOr(m.VIP.Score, 0)
	}
	return result
}
