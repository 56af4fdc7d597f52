// Package fetcher implements the provider adapters that pull mail into the
// pipeline and apply user mutations back at the provider.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/mikey/llm-mail-triage/internal/core"
)

var (
	errMissingToken = errors.New("missing access token")
	errExpiredToken = errors.New("access token expired")
)

// fetchConcurrency bounds per-message detail requests
const fetchConcurrency = 8

// httpClient returns a client that sends creds' bearer token
func httpClient(ctx context.Context, creds *core.Credentials, base *http.Client) *http.Client {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	token := &oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
		Expiry:      creds.Expiry,
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
}

func checkCredentials(provider core.Provider, creds *core.Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return core.NewFetchError(provider, http.StatusUnauthorized, errMissingToken)
	}
	if !creds.Expiry.IsZero() && creds.Expiry.Before(time.Now()) {
		return core.NewFetchError(provider, http.StatusUnauthorized, errExpiredToken)
	}
	return nil
}
