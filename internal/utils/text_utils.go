package utils

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const truncationMarker = "\n[... Content truncated due to size limits ...]"

var (
	blockTagPattern  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	scriptPattern    = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	spaceRunPattern  = regexp.MustCompile(`[ \t\f\v]+`)
	blankRunsPattern = regexp.MustCompile(`\n{3,}`)
)

// TextProcessor prepares message bodies for the model prompt
type TextProcessor struct {
	logger *zap.Logger
	policy *bluemonday.Policy
}

// NewTextProcessor creates a new TextProcessor
func NewTextProcessor(logger *zap.Logger) *TextProcessor {
	return &TextProcessor{
		logger: logger,
		policy: bluemonday.StrictPolicy(),
	}
}

// TruncateText safely truncates text to the specified maximum size
// and ensures the result is valid UTF-8
func (tp *TextProcessor) TruncateText(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}

	truncated := text[:maxSize]
	for !utf8.ValidString(truncated) && len(truncated) > 0 {
		truncated = truncated[:len(truncated)-1]
	}

	tp.logger.Debug("Text truncated",
		zap.Int("original_size", len(text)),
		zap.Int("truncated_size", len(truncated)),
		zap.Int("max_size", maxSize))

	return truncated + truncationMarker
}

// SanitizeUTF8 drops invalid UTF-8 bytes and normalizes to NFC
func (tp *TextProcessor) SanitizeUTF8(text string) string {
	if !utf8.ValidString(text) {
		original := len(text)
		text = strings.ToValidUTF8(text, "")
		tp.logger.Debug("Text sanitized",
			zap.Int("original_size", original),
			zap.Int("sanitized_size", len(text)))
	}
	return norm.NFC.String(text)
}

// StripHTML renders an HTML body as plain text, keeping paragraph breaks
func (tp *TextProcessor) StripHTML(body string) string {
	if body == "" {
		return ""
	}
	body = scriptPattern.ReplaceAllString(body, "")
	body = blockTagPattern.ReplaceAllString(body, "\n")
	text := html.UnescapeString(tp.policy.Sanitize(body))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunPattern.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRunsPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// BodyText picks the plain-text body, falling back to stripped HTML
func (tp *TextProcessor) BodyText(textBody, htmlBody string) string {
	if strings.TrimSpace(textBody) != "" {
		return textBody
	}
	return tp.StripHTML(htmlBody)
}

// ProcessText sanitizes and truncates text in one operation
func (tp *TextProcessor) ProcessText(text string, maxSize int) string {
	return tp.TruncateText(tp.SanitizeUTF8(text), maxSize)
}
