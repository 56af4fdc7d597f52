package core

import (
	"fmt"
	"sort"
	"strings"
)

const analysisSystemPrompt = "You are an email triage assistant. Respond only with a JSON object matching the requested schema."

const analysisPromptFormat = `Analyze the following email for the mailbox owner described below.
Respond with a JSON object containing:
- summary: string (one or two sentences)
- priority: {level: one of critical|high|medium|low, score: number 0-1, reasoning: string}
- sentiment: {label: one of positive|negative|neutral|mixed, score: number 0-1, reasoning: string}
- urgency: {level: one of immediate|today|this_week|when_convenient, score: number 0-1, reasoning: string}
- action_required: boolean
- suggested_actions: array of strings
- key_topics: array of strings
- vip: {is_vip: boolean, score: number 0-1}
- confidence: number 0-1

Mailbox owner:
Role: %s
Industry: %s
Preferences: %s
VIP contacts: %s

Email:
From: %s
To: %s
Subject: %s
Received: %s
Attachments: %d
Body:
%s

Respond only with the JSON object and nothing else.`

// BuildAnalysisPrompt renders the model request for one message. The body
// must already be truncated.
func BuildAnalysisPrompt(msg *NormalizedMessage, user *UserContext, body string) *ModelRequest {
	if user == nil {
		user = &UserContext{}
	}

	to := ""
	if len(msg.To) > 0 {
		to = msg.To[0].String()
		if len(msg.To) > 1 {
			to += fmt.Sprintf(" and %d others", len(msg.To)-1)
		}
	}

	received := "unknown"
	if !msg.ReceivedAt.IsZero() {
		received = msg.ReceivedAt.UTC().Format("2006-01-02 15:04 MST")
	}

	prompt := fmt.Sprintf(analysisPromptFormat,
		orUnknown(user.Role),
		orUnknown(user.Industry),
		formatPreferences(user.Preferences),
		orNone(strings.Join(user.VIPContacts, ", ")),
		msg.From.String(),
		to,
		msg.Subject,
		received,
		msg.AttachmentCount,
		body,
	)

	return &ModelRequest{
		SystemPrompt: analysisSystemPrompt,
		Prompt:       prompt,
		SchemaName:   AnalysisSchemaName,
		Schema:       AnalysisSchema,
	}
}

func formatPreferences(prefs map[string]string) string {
	if len(prefs) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+prefs[k])
	}
	return strings.Join(parts, "; ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
