package fetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikey/llm-mail-triage/internal/core"
)

const (
	gmailUser         = "me"
	gmailLabelUnread  = "UNREAD"
	gmailLabelStarred = "STARRED"
)

// GmailFetcher reads and mutates a Gmail mailbox through the Gmail API
type GmailFetcher struct {
	endpoint string
	pageSize int64
	client   *http.Client
	logger   *zap.Logger
}

// NewGmailFetcher creates a Gmail adapter. An empty endpoint uses the
// public API; client, when set, carries the requests under the token.
func NewGmailFetcher(endpoint string, pageSize int, client *http.Client, logger *zap.Logger) *GmailFetcher {
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}
	return &GmailFetcher{
		endpoint: endpoint,
		pageSize: int64(pageSize),
		client:   client,
		logger:   logger,
	}
}

// Provider implements core.MessageFetcher
func (g *GmailFetcher) Provider() core.Provider {
	return core.ProviderGmail
}

func (g *GmailFetcher) service(ctx context.Context, creds *core.Credentials) (*gmail.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient(ctx, creds, g.client))}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// Fetch lists matching messages, newest first, and downloads each one in raw
// form
func (g *GmailFetcher) Fetch(ctx context.Context, creds *core.Credentials, opts core.FetchOptions) ([]*core.NormalizedMessage, error) {
	if err := checkCredentials(core.ProviderGmail, creds); err != nil {
		return nil, err
	}
	srv, err := g.service(ctx, creds)
	if err != nil {
		return nil, core.NewFetchError(core.ProviderGmail, 0, err)
	}

	ids, err := g.listIDs(ctx, srv, opts)
	if err != nil {
		return nil, g.wrap(err)
	}

	// A message that cannot be fetched or parsed is skipped; the fetch fails
	// only when none of them could be read
	got := make([]*core.NormalizedMessage, len(ids))
	errs := make([]error, len(ids))
	var eg errgroup.Group
	eg.SetLimit(fetchConcurrency)
	for n, id := range ids {
		n, id := n, id
		eg.Go(func() error {
			got[n], errs[n] = g.get(ctx, srv, id)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, g.wrap(err)
	}

	msgs := make([]*core.NormalizedMessage, 0, len(ids))
	var firstErr error
	for n, msg := range got {
		if errs[n] != nil {
			if firstErr == nil {
				firstErr = errs[n]
			}
			g.logger.Warn("Skipping Gmail message",
				zap.String("message_id", ids[n]),
				zap.Error(errs[n]))
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 && firstErr != nil {
		return nil, g.wrap(firstErr)
	}

	g.logger.Debug("Fetched Gmail messages",
		zap.String("account", creds.Account),
		zap.Int("count", len(msgs)))
	return msgs, nil
}

func (g *GmailFetcher) listIDs(ctx context.Context, srv *gmail.Service, opts core.FetchOptions) ([]string, error) {
	q := gmailQuery(opts)
	ids := make([]string, 0)
	pageToken := ""
	for {
		call := srv.Users.Messages.List(gmailUser).Context(ctx).MaxResults(g.pageSize)
		if q != "" {
			call = call.Q(q)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if opts.MaxResults > 0 && len(ids) >= opts.MaxResults {
				return ids, nil
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (g *GmailFetcher) get(ctx context.Context, srv *gmail.Service, id string) (*core.NormalizedMessage, error) {
	m, err := srv.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(m.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("message %s: invalid raw encoding: %w", id, err)
	}
	msg, err := ParseMessage(raw, core.ProviderGmail)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}

	msg.ID = m.Id
	msg.ThreadID = m.ThreadId
	if m.InternalDate > 0 {
		msg.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.SizeEstimate > 0 {
		msg.SizeBytes = m.SizeEstimate
	}
	msg.IsRead = true
	for _, label := range m.LabelIds {
		switch label {
		case gmailLabelUnread:
			msg.IsRead = false
		case gmailLabelStarred:
			msg.IsStarred = true
		}
	}
	return msg, nil
}

// gmailQuery renders the options in Gmail search syntax
func gmailQuery(opts core.FetchOptions) string {
	parts := make([]string, 0, 3)
	if q := strings.TrimSpace(opts.Query); q != "" {
		parts = append(parts, q)
	}
	if !opts.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", opts.Since.Unix()))
	}
	if !opts.Until.IsZero() {
		parts = append(parts, fmt.Sprintf("before:%d", opts.Until.Unix()))
	}
	return strings.Join(parts, " ")
}

// MarkRead implements core.MessageMutator
func (g *GmailFetcher) MarkRead(ctx context.Context, creds *core.Credentials, messageID string, read bool) error {
	if read {
		return g.modify(ctx, creds, messageID, nil, []string{gmailLabelUnread})
	}
	return g.modify(ctx, creds, messageID, []string{gmailLabelUnread}, nil)
}

// SetStarred implements core.MessageMutator
func (g *GmailFetcher) SetStarred(ctx context.Context, creds *core.Credentials, messageID string, starred bool) error {
	if starred {
		return g.modify(ctx, creds, messageID, []string{gmailLabelStarred}, nil)
	}
	return g.modify(ctx, creds, messageID, nil, []string{gmailLabelStarred})
}

// Delete moves the message to the trash
func (g *GmailFetcher) Delete(ctx context.Context, creds *core.Credentials, messageID string) error {
	if err := checkCredentials(core.ProviderGmail, creds); err != nil {
		return err
	}
	srv, err := g.service(ctx, creds)
	if err != nil {
		return core.NewFetchError(core.ProviderGmail, 0, err)
	}
	if _, err := srv.Users.Messages.Trash(gmailUser, messageID).Context(ctx).Do(); err != nil {
		return g.wrap(err)
	}
	return nil
}

func (g *GmailFetcher) modify(ctx context.Context, creds *core.Credentials, messageID string, add, remove []string) error {
	if err := checkCredentials(core.ProviderGmail, creds); err != nil {
		return err
	}
	srv, err := g.service(ctx, creds)
	if err != nil {
		return core.NewFetchError(core.ProviderGmail, 0, err)
	}
	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := srv.Users.Messages.Modify(gmailUser, messageID, req).Context(ctx).Do(); err != nil {
		return g.wrap(err)
	}
	return nil
}

func (g *GmailFetcher) wrap(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return core.NewFetchError(core.ProviderGmail, apiErr.Code, err)
	}
	return core.NewFetchError(core.ProviderGmail, 0, err)
}
