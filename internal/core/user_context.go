package core

import (
	"context"

	"go.uber.org/zap"
)

// UserContextResolver looks up user contexts through the profile cache
type UserContextResolver struct {
	supplier UserContextSupplier
	cache    *UserProfileCache
	logger   *zap.Logger
}

// NewUserContextResolver creates a resolver. supplier and cache may be nil.
func NewUserContextResolver(supplier UserContextSupplier, cache *UserProfileCache, logger *zap.Logger) *UserContextResolver {
	return &UserContextResolver{supplier: supplier, cache: cache, logger: logger}
}

// Resolve returns the user's context. Lookup failures yield a bare context
// carrying only the user id, so analysis can still proceed.
func (r *UserContextResolver) Resolve(ctx context.Context, userID string) *UserContext {
	if r.cache != nil {
		if uc, ok := r.cache.Get(ctx, userID); ok {
			return uc
		}
	}
	if r.supplier == nil {
		return &UserContext{UserID: userID}
	}

	uc, err := r.supplier.UserContext(ctx, userID)
	if err != nil || uc == nil {
		r.logger.Warn("User context unavailable, analyzing without it",
			zap.String("user_id", userID),
			zap.Error(err))
		return &UserContext{UserID: userID}
	}
	if uc.UserID == "" {
		uc.UserID = userID
	}
	if r.cache != nil {
		r.cache.Set(ctx, uc)
	}
	return uc
}

// Invalidate drops the cached context of a user
func (r *UserContextResolver) Invalidate(ctx context.Context, userID string) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, userID)
	}
}
