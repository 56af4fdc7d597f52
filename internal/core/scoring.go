package core

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Weights of the derived priority score
const (
	weightPriority = 0.4
	weightUrgency  = 0.3
	weightVIP      = 0.2
	weightAction   = 0.1

	bonusNegativeSentiment = 0.05
	bonusReceivedLastHour  = 0.1
	bonusReceivedLastDay   = 0.05
)

// PriorityScore blends the model's scores into one ranking value in [0,1]
func PriorityScore(r *AnalysisResult, receivedAt, now time.Time) float64 {
	score := weightPriority*Clamp01(r.Priority.Score) + weightUrgency*Clamp01(r.Urgency.Score)
	if r.IsVIP {
		score += weightVIP
	}
	if r.ActionRequired {
		score += weightAction
	}
	if r.Sentiment.Label == SentimentNegative {
		score += bonusNegativeSentiment
	}
	if !receivedAt.IsZero() {
		age := now.Sub(receivedAt)
		switch {
		case age < time.Hour:
			score += bonusReceivedLastHour
		case age < 24*time.Hour:
			score += bonusReceivedLastDay
		}
	}
	return Clamp01(score)
}

const fallbackSummaryLen = 200

// FallbackAnalysis is the deterministic result used when the model call fails
func FallbackAnalysis(msg *NormalizedMessage, now time.Time) *AnalysisResult {
	result := &AnalysisResult{
		Summary: fallbackSummary(msg),
		Priority: PriorityAssessment{
			Level:     PriorityMedium,
			Score:     defaultPriorityScore,
			Reasoning: "Automatic analysis unavailable; default priority applied",
		},
		Sentiment: SentimentAssessment{
			Label:     SentimentNeutral,
			Score:     defaultSentimentScore,
			Reasoning: "Automatic analysis unavailable; default sentiment applied",
		},
		Urgency: UrgencyAssessment{
			Level:     UrgencyWhenConvenient,
			Score:     defaultUrgencyScore,
			Reasoning: "Automatic analysis unavailable; default urgency applied",
		},
		SuggestedActions: []string{},
		KeyTopics:        []string{},
		Confidence:       FallbackConfidence,
		ModelUsed:        FallbackModel,
		CreatedAt:        now,
	}
	if msg != nil {
		result.MessageID = msg.ID
	}
	return result
}

func fallbackSummary(msg *NormalizedMessage) string {
	if msg == nil {
		return ""
	}
	text := strings.Join(strings.Fields(msg.TextBody), " ")
	if text == "" {
		return strings.TrimSpace(msg.Subject)
	}
	if utf8.RuneCountInString(text) > fallbackSummaryLen {
		runes := []rune(text)
		text = string(runes[:fallbackSummaryLen]) + "..."
	}
	return text
}
