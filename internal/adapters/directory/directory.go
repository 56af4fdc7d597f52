// Package directory serves user profiles and provider tokens from the
// static users section of the configuration.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// ErrUnknownUser is returned for user ids absent from the directory
var ErrUnknownUser = fmt.Errorf("unknown user")

// Directory implements core.CredentialSupplier and core.UserContextSupplier
type Directory struct {
	mu     sync.RWMutex
	users  map[string]config.UserConfig
	logger *zap.Logger
}

// New creates a directory over users
func New(users map[string]config.UserConfig, logger *zap.Logger) *Directory {
	d := &Directory{logger: logger}
	d.Replace(users)
	return d
}

// Replace swaps the directory contents, e.g. after a config reload
func (d *Directory) Replace(users map[string]config.UserConfig) {
	normalized := make(map[string]config.UserConfig, len(users))
	for id, u := range users {
		normalized[strings.ToLower(id)] = u
	}
	d.mu.Lock()
	d.users = normalized
	d.mu.Unlock()
	d.logger.Debug("User directory loaded", zap.Int("users", len(normalized)))
}

func (d *Directory) lookup(userID string) (config.UserConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(userID)]
	return u, ok
}

// UserContext implements core.UserContextSupplier
func (d *Directory) UserContext(_ context.Context, userID string) (*core.UserContext, error) {
	u, ok := d.lookup(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	prefs := make(map[string]string, len(u.Preferences))
	for k, v := range u.Preferences {
		prefs[k] = v
	}
	vips := make([]string, 0, len(u.VIPContacts))
	for _, c := range u.VIPContacts {
		vips = append(vips, strings.ToLower(strings.TrimSpace(c)))
	}
	return &core.UserContext{
		UserID:      userID,
		Role:        u.Role,
		Industry:    u.Industry,
		Preferences: prefs,
		VIPContacts: vips,
	}, nil
}

// Credentials implements core.CredentialSupplier
func (d *Directory) Credentials(_ context.Context, userID string, provider core.Provider) (*core.Credentials, error) {
	u, ok := d.lookup(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	c, ok := u.Credentials[string(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s credentials for %s", core.ErrUnknownProvider, provider, userID)
	}
	return &core.Credentials{Account: c.Account, AccessToken: c.AccessToken}, nil
}
