package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// DefaultGraphEndpoint is the Microsoft Graph v1.0 root
const DefaultGraphEndpoint = "https://graph.microsoft.com/v1.0"

const graphSelect = "id,conversationId,subject,from,toRecipients,ccRecipients," +
	"body,receivedDateTime,sentDateTime,isRead,flag,hasAttachments"

// OutlookFetcher reads and mutates an Outlook mailbox through Microsoft Graph
type OutlookFetcher struct {
	endpoint string
	pageSize int
	client   *http.Client
	logger   *zap.Logger
}

// NewOutlookFetcher creates an Outlook adapter
func NewOutlookFetcher(endpoint string, pageSize int, client *http.Client, logger *zap.Logger) *OutlookFetcher {
	if endpoint == "" {
		endpoint = DefaultGraphEndpoint
	}
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 50
	}
	return &OutlookFetcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		pageSize: pageSize,
		client:   client,
		logger:   logger,
	}
}

// Provider implements core.MessageFetcher
func (o *OutlookFetcher) Provider() core.Provider {
	return core.ProviderOutlook
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Subject        string         `json:"subject"`
	From           *graphAddress  `json:"from"`
	ToRecipients   []graphAddress `json:"toRecipients"`
	CcRecipients   []graphAddress `json:"ccRecipients"`
	Body           struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	SentDateTime     time.Time `json:"sentDateTime"`
	IsRead           bool      `json:"isRead"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	HasAttachments bool `json:"hasAttachments"`
}

type graphPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch pages through the inbox, newest first
func (o *OutlookFetcher) Fetch(ctx context.Context, creds *core.Credentials, opts core.FetchOptions) ([]*core.NormalizedMessage, error) {
	if err := checkCredentials(core.ProviderOutlook, creds); err != nil {
		return nil, err
	}
	client := httpClient(ctx, creds, o.client)

	msgs := make([]*core.NormalizedMessage, 0)
	next := o.listURL(opts)
	for next != "" {
		var page graphPage
		if err := o.do(ctx, client, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			msgs = append(msgs, page.Value[i].normalize())
			if opts.MaxResults > 0 && len(msgs) >= opts.MaxResults {
				return msgs, nil
			}
		}
		next = page.NextLink
	}

	o.logger.Debug("Fetched Outlook messages",
		zap.String("account", creds.Account),
		zap.Int("count", len(msgs)))
	return msgs, nil
}

func (o *OutlookFetcher) listURL(opts core.FetchOptions) string {
	top := o.pageSize
	if opts.MaxResults > 0 && opts.MaxResults < top {
		top = opts.MaxResults
	}
	q := url.Values{}
	q.Set("$top", strconv.Itoa(top))
	q.Set("$select", graphSelect)

	filters := make([]string, 0, 2)
	if !opts.Since.IsZero() {
		filters = append(filters, "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		filters = append(filters, "receivedDateTime lt "+opts.Until.UTC().Format(time.RFC3339))
	}
	if search := strings.TrimSpace(opts.Query); search != "" {
		// Graph rejects $orderby and $filter combined with $search
		q.Set("$search", strconv.Quote(search))
	} else {
		q.Set("$orderby", "receivedDateTime desc")
		if len(filters) > 0 {
			q.Set("$filter", strings.Join(filters, " and "))
		}
	}
	return o.endpoint + "/me/mailFolders/inbox/messages?" + q.Encode()
}

func (m *graphMessage) normalize() *core.NormalizedMessage {
	msg := &core.NormalizedMessage{
		ID:         m.ID,
		ThreadID:   m.ConversationID,
		Subject:    m.Subject,
		To:         graphAddresses(m.ToRecipients),
		Cc:         graphAddresses(m.CcRecipients),
		ReceivedAt: m.ReceivedDateTime,
		SentAt:     m.SentDateTime,
		IsRead:     m.IsRead,
		IsStarred:  m.Flag.FlagStatus == "flagged",
		Provider:   core.ProviderOutlook,
		SizeBytes:  int64(len(m.Body.Content)),
	}
	if m.From != nil {
		msg.From = core.Address{
			Email: strings.ToLower(m.From.EmailAddress.Address),
			Name:  m.From.EmailAddress.Name,
		}
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		msg.HTMLBody = m.Body.Content
	} else {
		msg.TextBody = m.Body.Content
	}
	// Graph reports presence only
	if m.HasAttachments {
		msg.AttachmentCount = 1
	}
	return msg
}

func graphAddresses(in []graphAddress) []core.Address {
	out := make([]core.Address, 0, len(in))
	for _, a := range in {
		out = append(out, core.Address{
			Email: strings.ToLower(a.EmailAddress.Address),
			Name:  a.EmailAddress.Name,
		})
	}
	return out
}

// MarkRead implements core.MessageMutator
func (o *OutlookFetcher) MarkRead(ctx context.Context, creds *core.Credentials, messageID string, read bool) error {
	return o.patch(ctx, creds, messageID, map[string]any{"isRead": read})
}

// SetStarred flags or unflags the message
func (o *OutlookFetcher) SetStarred(ctx context.Context, creds *core.Credentials, messageID string, starred bool) error {
	status := "notFlagged"
	if starred {
		status = "flagged"
	}
	return o.patch(ctx, creds, messageID, map[string]any{"flag": map[string]string{"flagStatus": status}})
}

// Delete implements core.MessageMutator
func (o *OutlookFetcher) Delete(ctx context.Context, creds *core.Credentials, messageID string) error {
	if err := checkCredentials(core.ProviderOutlook, creds); err != nil {
		return err
	}
	return o.do(ctx, httpClient(ctx, creds, o.client), http.MethodDelete, o.messageURL(messageID), nil, nil)
}

func (o *OutlookFetcher) patch(ctx context.Context, creds *core.Credentials, messageID string, body map[string]any) error {
	if err := checkCredentials(core.ProviderOutlook, creds); err != nil {
		return err
	}
	return o.do(ctx, httpClient(ctx, creds, o.client), http.MethodPatch, o.messageURL(messageID), body, nil)
}

func (o *OutlookFetcher) messageURL(id string) string {
	return o.endpoint + "/me/messages/" + url.PathEscape(id)
}

func (o *OutlookFetcher) do(ctx context.Context, client *http.Client, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return core.NewFetchError(core.ProviderOutlook, 0, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return core.NewFetchError(core.ProviderOutlook, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return core.NewFetchError(core.ProviderOutlook, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var gerr graphError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &gerr) == nil && gerr.Error.Message != "" {
			msg = gerr.Error.Code + ": " + gerr.Error.Message
		}
		return core.NewFetchError(core.ProviderOutlook, resp.StatusCode, fmt.Errorf("%s %s: %s", method, req.URL.Path, msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewFetchError(core.ProviderOutlook, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
