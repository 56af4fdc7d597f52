package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Cache is the error-swallowing layer over a CacheStore. Store failures
// degrade to a miss or a no-op and are only logged.
type Cache struct {
	store  CacheStore
	logger *zap.Logger
}

// NewCache creates a new cache layer. A nil store yields a cache that always
// misses.
func NewCache(store CacheStore, logger *zap.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger,
	}
}

// Set serializes value as JSON and stores it under key
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.store == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Failed to serialize cache value", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("Cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Get decodes the value under key into dest. It reports false on a miss,
// an expired entry, or any store or decode error.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.store == nil {
		return false
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("Failed to decode cache value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Delete removes key
func (c *Cache) Delete(ctx context.Context, key string) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// DeleteByPrefix removes every key starting with prefix
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) int64 {
	if c == nil || c.store == nil {
		return 0
	}
	n, err := c.store.DeleteByPrefix(ctx, prefix)
	if err != nil {
		c.logger.Warn("Cache prefix delete failed", zap.String("prefix", prefix), zap.Error(err))
		return 0
	}
	c.logger.Debug("Invalidated cache entries", zap.String("prefix", prefix), zap.Int64("count", n))
	return n
}

// IsAvailable reports whether the backing store answers
func (c *Cache) IsAvailable(ctx context.Context) bool {
	if c == nil || c.store == nil {
		return false
	}
	return c.store.Ping(ctx) == nil
}

// CacheTTLs configures the domain facades
type CacheTTLs struct {
	EmailList   time.Duration
	Analysis    time.Duration
	UserProfile time.Duration
	Slack       time.Duration
}

// DefaultCacheTTLs are the stock per-domain TTLs
var DefaultCacheTTLs = CacheTTLs{
	EmailList:   300 * time.Second,
	Analysis:    3600 * time.Second,
	UserProfile: 1800 * time.Second,
	Slack:       60 * time.Second,
}

// EmailListCache caches rendered message lists per user and filter
type EmailListCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewEmailListCache creates the email-list facade
func NewEmailListCache(cache *Cache, ttl time.Duration) *EmailListCache {
	return &EmailListCache{cache: cache, ttl: ttl}
}

func emailListKey(userID, filter string) string {
	return "emails:" + userID + ":" + filter
}

// Get returns the cached list for a user and filter
func (c *EmailListCache) Get(ctx context.Context, userID, filter string) ([]MessageResult, bool) {
	var list []MessageResult
	ok := c.cache.Get(ctx, emailListKey(userID, filter), &list)
	return list, ok
}

// Set stores the list for a user and filter
func (c *EmailListCache) Set(ctx context.Context, userID, filter string, list []MessageResult) {
	c.cache.Set(ctx, emailListKey(userID, filter), list, c.ttl)
}

// InvalidateUser drops every cached list of the user
func (c *EmailListCache) InvalidateUser(ctx context.Context, userID string) {
	c.cache.DeleteByPrefix(ctx, "emails:"+userID+":")
}

// AnalysisCache caches analysis results per message
type AnalysisCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewAnalysisCache creates the AI-analysis facade
func NewAnalysisCache(cache *Cache, ttl time.Duration) *AnalysisCache {
	return &AnalysisCache{cache: cache, ttl: ttl}
}

func analysisKey(messageID string) string {
	return "ai:analysis:" + messageID
}

// Get returns the cached analysis of a message
func (c *AnalysisCache) Get(ctx context.Context, messageID string) (*AnalysisResult, bool) {
	var result AnalysisResult
	if !c.cache.Get(ctx, analysisKey(messageID), &result) {
		return nil, false
	}
	return &result, true
}

// Set stores the analysis of a message
func (c *AnalysisCache) Set(ctx context.Context, messageID string, result *AnalysisResult) {
	c.cache.Set(ctx, analysisKey(messageID), result, c.ttl)
}

// Invalidate drops the cached analysis of a message
func (c *AnalysisCache) Invalidate(ctx context.Context, messageID string) {
	c.cache.Delete(ctx, analysisKey(messageID))
}

// UserProfileCache caches user contexts
type UserProfileCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewUserProfileCache creates the user-profile facade
func NewUserProfileCache(cache *Cache, ttl time.Duration) *UserProfileCache {
	return &UserProfileCache{cache: cache, ttl: ttl}
}

func userProfileKey(userID string) string {
	return "user:profile:" + userID
}

// Get returns the cached user context
func (c *UserProfileCache) Get(ctx context.Context, userID string) (*UserContext, bool) {
	var uc UserContext
	if !c.cache.Get(ctx, userProfileKey(userID), &uc) {
		return nil, false
	}
	return &uc, true
}

// Set stores a user context
func (c *UserProfileCache) Set(ctx context.Context, uc *UserContext) {
	c.cache.Set(ctx, userProfileKey(uc.UserID), uc, c.ttl)
}

// Invalidate drops a user's cached context
func (c *UserProfileCache) Invalidate(ctx context.Context, userID string) {
	c.cache.Delete(ctx, userProfileKey(userID))
}

// SlackMessage is a chat message relayed alongside email
type SlackMessage struct {
	ChannelID string    `json:"channel_id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// SlackMessageCache caches recent channel history for a very short time
type SlackMessageCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewSlackMessageCache creates the Slack-message facade
func NewSlackMessageCache(cache *Cache, ttl time.Duration) *SlackMessageCache {
	return &SlackMessageCache{cache: cache, ttl: ttl}
}

func slackKey(userID, channelID string) string {
	return "slack:messages:" + userID + ":" + channelID
}

// Get returns cached channel messages
func (c *SlackMessageCache) Get(ctx context.Context, userID, channelID string) ([]SlackMessage, bool) {
	var msgs []SlackMessage
	ok := c.cache.Get(ctx, slackKey(userID, channelID), &msgs)
	return msgs, ok
}

// Set stores channel messages
func (c *SlackMessageCache) Set(ctx context.Context, userID, channelID string, msgs []SlackMessage) {
	c.cache.Set(ctx, slackKey(userID, channelID), msgs, c.ttl)
}

// InvalidateUser drops all cached channels of a user
func (c *SlackMessageCache) InvalidateUser(ctx context.Context, userID string) {
	c.cache.DeleteByPrefix(ctx, "slack:messages:"+userID+":")
}

// Caches bundles the domain facades over one shared cache layer
type Caches struct {
	Layer       *Cache
	EmailList   *EmailListCache
	Analysis    *AnalysisCache
	UserProfile *UserProfileCache
	Slack       *SlackMessageCache
}

// NewCaches builds every facade over a single cache layer
func NewCaches(layer *Cache, ttls CacheTTLs) *Caches {
	return &Caches{
		Layer:       layer,
		EmailList:   NewEmailListCache(layer, ttls.EmailList),
		Analysis:    NewAnalysisCache(layer, ttls.Analysis),
		UserProfile: NewUserProfileCache(layer, ttls.UserProfile),
		Slack:       NewSlackMessageCache(layer, ttls.Slack),
	}
}
