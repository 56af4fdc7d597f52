package core

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter profile names
const (
	ProfileAuth      = "auth"
	ProfileAPI       = "api"
	ProfileAI        = "ai"
	ProfileEmailSync = "email_sync"
	ProfileWebhook   = "webhook"
)

// KeyStrategy selects which part of a RateSubject keys a profile
type KeyStrategy string

const (
	KeyByUser KeyStrategy = "user"
	KeyByIP   KeyStrategy = "ip"
)

// RateLimitProfile is a named window/threshold pair
type RateLimitProfile struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	KeyBy       KeyStrategy
}

// RateSubject identifies who is making a request
type RateSubject struct {
	UserID string
	IP     string
}

// Key derives the limiter key for the subject under this profile. Falls back
// to the other identifier when the preferred one is empty.
func (p RateLimitProfile) Key(s RateSubject) string {
	id := s.UserID
	if p.KeyBy == KeyByIP {
		id = s.IP
	}
	if id == "" {
		id = s.UserID + s.IP
	}
	if id == "" {
		id = "anonymous"
	}
	return "ratelimit:" + p.Name + ":" + id
}

// DefaultRateLimitProfiles mirrors the stock configuration
func DefaultRateLimitProfiles() map[string]RateLimitProfile {
	return map[string]RateLimitProfile{
		ProfileAuth:      {Name: ProfileAuth, Window: 15 * time.Minute, MaxRequests: 5, KeyBy: KeyByIP},
		ProfileAPI:       {Name: ProfileAPI, Window: time.Minute, MaxRequests: 100, KeyBy: KeyByUser},
		ProfileAI:        {Name: ProfileAI, Window: time.Minute, MaxRequests: 60, KeyBy: KeyByUser},
		ProfileEmailSync: {Name: ProfileEmailSync, Window: 5 * time.Minute, MaxRequests: 10, KeyBy: KeyByUser},
		ProfileWebhook:   {Name: ProfileWebhook, Window: time.Minute, MaxRequests: 1000, KeyBy: KeyByIP},
	}
}

// AdmitDecision is the outcome of one admission check
type AdmitDecision struct {
	Allowed           bool
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
	// Degraded is set when the store failed and the limiter failed open
	Degraded bool
}

// Err converts a denial into a RateLimitError
func (d AdmitDecision) Err(key string) error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Key: key, RetryAfter: time.Duration(d.RetryAfterSeconds) * time.Second}
}

// RateLimiter is sliding-window admission control over a shared WindowStore
type RateLimiter struct {
	store    WindowStore
	logger   *zap.Logger
	mu       sync.RWMutex
	profiles map[string]RateLimitProfile
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(store WindowStore, profiles map[string]RateLimitProfile, logger *zap.Logger) *RateLimiter {
	if profiles == nil {
		profiles = DefaultRateLimitProfiles()
	}
	return &RateLimiter{
		store:    store,
		logger:   logger,
		profiles: profiles,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (l *RateLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// Profile returns a named profile
func (l *RateLimiter) Profile(name string) (RateLimitProfile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[name]
	return p, ok
}

// Admit checks and records one request for key
func (l *RateLimiter) Admit(ctx context.Context, key string, window time.Duration, maxRequests int) AdmitDecision {
	now := l.now()
	state, err := l.store.Admit(ctx, key, now, window, maxRequests)
	if err != nil {
		l.logger.Warn("Rate limiter store unavailable, failing open",
			zap.String("key", key),
			zap.String("mode", "degraded"),
			zap.Error(err))
		return AdmitDecision{
			Allowed:   true,
			Remaining: maxRequests - 1,
			ResetAt:   now.Add(window),
			Degraded:  true,
		}
	}

	resetAt := now.Add(window)
	if !state.Oldest.IsZero() {
		resetAt = state.Oldest.Add(window)
	}

	if !state.Admitted {
		return AdmitDecision{
			Allowed:           false,
			Remaining:         0,
			ResetAt:           resetAt,
			RetryAfterSeconds: int(math.Ceil(window.Seconds())),
		}
	}

	remaining := maxRequests - state.Count - 1
	if remaining < 0 {
		remaining = 0
	}
	return AdmitDecision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// AdmitProfile checks a request against a named profile
func (l *RateLimiter) AdmitProfile(ctx context.Context, name string, subject RateSubject) (AdmitDecision, string, error) {
	p, ok := l.Profile(name)
	if !ok {
		return AdmitDecision{}, "", fmt.Errorf("unknown rate limit profile: %s", name)
	}
	key := p.Key(subject)
	return l.Admit(ctx, key, p.Window, p.MaxRequests), key, nil
}

// Check is AdmitProfile reduced to an error: nil when admitted, a
// *RateLimitError when denied. Unknown profiles admit.
func (l *RateLimiter) Check(ctx context.Context, name string, subject RateSubject) error {
	d, key, err := l.AdmitProfile(ctx, name, subject)
	if err != nil {
		l.logger.Warn("Rate limit profile missing, admitting", zap.String("profile", name))
		return nil
	}
	return d.Err(key)
}
