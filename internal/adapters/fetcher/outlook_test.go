package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
}

type graphServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func (g *graphServer) recorded() []recordedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]recordedRequest(nil), g.requests...)
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	g := &graphServer{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		g.requests = append(g.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
		g.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer graph-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"Access token is empty."}}`))
			return
		}

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/me/mailFolders/inbox/messages":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{
					"id":               "AAMk1",
					"conversationId":   "conv-1",
					"subject":          "Budget review",
					"from":             map[string]any{"emailAddress": map[string]string{"name": "Dana", "address": "Dana@Contoso.com"}},
					"toRecipients":     []map[string]any{{"emailAddress": map[string]string{"address": "me@contoso.com"}}},
					"body":             map[string]string{"contentType": "text", "content": "Can we meet?"},
					"receivedDateTime": "2024-05-01T12:00:00Z",
					"isRead":           false,
					"flag":             map[string]string{"flagStatus": "flagged"},
					"hasAttachments":   true,
				}},
				"@odata.nextLink": g.URL + "/page2",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/page2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{
					"id":               "AAMk2",
					"subject":          "Newsletter",
					"body":             map[string]string{"contentType": "html", "content": "<p>News</p>"},
					"receivedDateTime": "2024-05-01T11:00:00Z",
					"isRead":           true,
				}},
			})
		case r.URL.Path == "/me/messages/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"code":"ServiceUnavailable","message":"try later"}}`))
		case r.Method == http.MethodPatch, r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.Close)
	return g
}

var graphCreds = &core.Credentials{Account: "me@contoso.com", AccessToken: "graph-token"}

func TestOutlookFetch(t *testing.T) {
	srv := newGraphServer(t)
	o := NewOutlookFetcher(srv.URL, 10, srv.Client(), zaptest.NewLogger(t))

	msgs, err := o.Fetch(context.Background(), graphCreds, core.FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 across pages", len(msgs))
	}

	m := msgs[0]
	if m.ID != "AAMk1" || m.ThreadID != "conv-1" || m.Provider != core.ProviderOutlook {
		t.Errorf("ids = %+v", m)
	}
	if m.From.Email != "dana@contoso.com" || m.From.Name != "Dana" {
		t.Errorf("from = %+v", m.From)
	}
	if m.IsRead || !m.IsStarred || m.AttachmentCount != 1 {
		t.Errorf("flags = read %v starred %v attachments %d", m.IsRead, m.IsStarred, m.AttachmentCount)
	}
	if m.TextBody != "Can we meet?" || m.HTMLBody != "" {
		t.Errorf("bodies = %q / %q", m.TextBody, m.HTMLBody)
	}
	if !m.ReceivedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("received = %v", m.ReceivedAt)
	}
	if msgs[1].HTMLBody != "<p>News</p>" || msgs[1].TextBody != "" {
		t.Errorf("html message bodies = %q / %q", msgs[1].TextBody, msgs[1].HTMLBody)
	}

	first := srv.recorded()[0]
	if !strings.Contains(first.query, "%24top=10") || !strings.Contains(first.query, "receivedDateTime+desc") {
		t.Errorf("query = %s", first.query)
	}
}

func TestOutlookFetchStopsAtMaxResults(t *testing.T) {
	srv := newGraphServer(t)
	o := NewOutlookFetcher(srv.URL, 10, srv.Client(), zaptest.NewLogger(t))

	msgs, err := o.Fetch(context.Background(), graphCreds, core.FetchOptions{MaxResults: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
	if n := len(srv.recorded()); n != 1 {
		t.Errorf("requests = %d, want the second page skipped", n)
	}
}

func TestOutlookListURL(t *testing.T) {
	o := NewOutlookFetcher("https://graph.example/v1.0/", 50, nil, zaptest.NewLogger(t))
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	u := o.listURL(core.FetchOptions{Since: since, MaxResults: 20})
	if !strings.HasPrefix(u, "https://graph.example/v1.0/me/mailFolders/inbox/messages?") {
		t.Errorf("url = %s", u)
	}
	if !strings.Contains(u, "%24top=20") || !strings.Contains(u, "receivedDateTime+ge+2024-05-01T00%3A00%3A00Z") {
		t.Errorf("filtered url = %s", u)
	}

	u = o.listURL(core.FetchOptions{Query: "budget", Since: since})
	if !strings.Contains(u, "%24search=%22budget%22") {
		t.Errorf("search url = %s", u)
	}
	if strings.Contains(u, "%24filter") || strings.Contains(u, "%24orderby") {
		t.Errorf("search url carries filter or orderby: %s", u)
	}
}

func TestOutlookMutations(t *testing.T) {
	srv := newGraphServer(t)
	o := NewOutlookFetcher(srv.URL, 10, srv.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	if err := o.MarkRead(ctx, graphCreds, "AAMk1", true); err != nil {
		t.Fatal(err)
	}
	if err := o.SetStarred(ctx, graphCreds, "AAMk1", false); err != nil {
		t.Fatal(err)
	}
	if err := o.Delete(ctx, graphCreds, "AAMk1"); err != nil {
		t.Fatal(err)
	}

	reqs := srv.recorded()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	if reqs[0].method != http.MethodPatch || reqs[0].path != "/me/messages/AAMk1" || reqs[0].body != `{"isRead":true}` {
		t.Errorf("mark read = %+v", reqs[0])
	}
	if reqs[1].body != `{"flag":{"flagStatus":"notFlagged"}}` {
		t.Errorf("unstar body = %s", reqs[1].body)
	}
	if reqs[2].method != http.MethodDelete {
		t.Errorf("delete method = %s", reqs[2].method)
	}
}

func TestOutlookErrors(t *testing.T) {
	srv := newGraphServer(t)
	o := NewOutlookFetcher(srv.URL, 10, srv.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	tests := []struct {
		name      string
		call      func() error
		status    int
		retryable bool
	}{
		{"missing token", func() error {
			_, err := o.Fetch(ctx, &core.Credentials{Account: "me@contoso.com"}, core.FetchOptions{})
			return err
		}, 401, false},
		{"expired token", func() error {
			_, err := o.Fetch(ctx, &core.Credentials{AccessToken: "graph-token", Expiry: time.Now().Add(-time.Minute)}, core.FetchOptions{})
			return err
		}, 401, false},
		{"rejected token", func() error {
			_, err := o.Fetch(ctx, &core.Credentials{AccessToken: "wrong"}, core.FetchOptions{})
			return err
		}, 401, false},
		{"unavailable", func() error {
			return o.MarkRead(ctx, graphCreds, "broken", true)
		}, 503, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var fe *core.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FetchError", err)
			}
			if fe.StatusCode != tt.status || fe.Retryable != tt.retryable {
				t.Errorf("status = %d retryable = %v, want %d/%v", fe.StatusCode, fe.Retryable, tt.status, tt.retryable)
			}
		})
	}
}
