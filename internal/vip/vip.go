package vip

import (
	"strings"

	"go.uber.org/zap"
)

// MinScore is the VIP score forced onto results from a listed sender
const MinScore = 0.9

// Checker matches senders against a user's VIP contact list. Entries are
// either full addresses or "@domain" patterns.
type Checker struct {
	logger *zap.Logger
}

// NewChecker creates a new VIP checker
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{logger: logger}
}

// IsVIP reports whether from matches any entry in contacts
func (c *Checker) IsVIP(from string, contacts []string) bool {
	if len(contacts) == 0 {
		return false
	}
	addr := strings.ToLower(strings.TrimSpace(from))
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	domain := addr[at+1:]

	for _, entry := range contacts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, "@"):
			if entry[1:] == domain {
				c.logger.Debug("Sender domain is VIP", zap.String("sender", from), zap.String("entry", entry))
				return true
			}
		case entry == addr:
			c.logger.Debug("Sender is VIP", zap.String("sender", from))
			return true
		}
	}
	return false
}

// Apply sets the VIP flag and floor score when from is listed. It returns
// whether the sender matched.
func (c *Checker) Apply(from string, contacts []string, isVIP *bool, score *float64) bool {
	if !c.IsVIP(from, contacts) {
		return false
	}
	*isVIP = true
	if *score < MinScore {
		*score = MinScore
	}
	return true
}
